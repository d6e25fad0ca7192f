// Package histos books and fills the 1D histograms produced by an analysis
// run and writes them out in YODA format.
package histos

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"go-hep.org/x/hep/hbook"
)

var (
	// ErrUnknownHistogram is returned when filling a name that was never booked.
	ErrUnknownHistogram = errors.New("unknown histogram")
	// ErrDuplicateHistogram is returned when booking a name twice with
	// different binning.
	ErrDuplicateHistogram = errors.New("histogram already booked")
)

type booking struct {
	nbins    int
	min, max float64
	h        *hbook.H1D
}

// Manager owns a named set of histograms. It is safe for concurrent use.
type Manager struct {
	mu     sync.Mutex
	histos map[string]*booking
	order  []string
}

// NewManager returns an empty manager.
func NewManager() *Manager {
	return &Manager{histos: make(map[string]*booking)}
}

// Book creates a histogram. Booking an existing name with the same binning
// returns the existing histogram.
func (m *Manager) Book(name, title string, nbins int, min, max float64) (*hbook.H1D, error) {
	if nbins <= 0 || !(max > min) {
		return nil, fmt.Errorf("bad binning for %s: %d bins in [%v, %v)", name, nbins, min, max)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.histos[name]; ok {
		if b.nbins != nbins || b.min != min || b.max != max {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateHistogram, name)
		}
		return b.h, nil
	}

	h := hbook.NewH1D(nbins, min, max)
	h.Annotation()["name"] = name
	if title != "" {
		h.Annotation()["title"] = title
	}
	m.histos[name] = &booking{nbins: nbins, min: min, max: max, h: h}
	m.order = append(m.order, name)
	return h, nil
}

// Fill adds x with weight w to the named histogram.
func (m *Manager) Fill(name string, x, w float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.histos[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownHistogram, name)
	}
	b.h.Fill(x, w)
	return nil
}

// Get returns the named histogram.
func (m *Manager) Get(name string) (*hbook.H1D, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.histos[name]
	if !ok {
		return nil, false
	}
	return b.h, true
}

// Names returns histogram names in booking order.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

// Len returns the number of booked histograms.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.order)
}

// WriteYODA writes every histogram, in booking order.
func (m *Manager) WriteYODA(w io.Writer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, name := range m.order {
		data, err := m.histos[name].h.MarshalYODA()
		if err != nil {
			return fmt.Errorf("failed to encode histogram %s: %w", name, err)
		}
		if _, err := w.Write(data); err != nil {
			return err
		}
	}
	return nil
}

// Save writes the histograms to path, creating its directory.
func (m *Manager) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create histogram file: %w", err)
	}
	bw := bufio.NewWriter(f)
	if err := m.WriteYODA(bw); err != nil {
		f.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

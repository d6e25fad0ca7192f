package ntuple

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sync"

	json "github.com/goccy/go-json"
)

// ErrEventOutOfRange is returned when an event index is not in the source.
var ErrEventOutOfRange = errors.New("event index out of range")

// Source supplies events by index.
type Source interface {
	NEvents() int
	Event(ctx context.Context, idx int) (*Event, error)
}

// MemorySource serves events held in memory. Useful for tests and replays.
type MemorySource struct {
	Events []Event
}

// NEvents implements Source.
func (m *MemorySource) NEvents() int { return len(m.Events) }

// Event implements Source.
func (m *MemorySource) Event(ctx context.Context, idx int) (*Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if idx < 0 || idx >= len(m.Events) {
		return nil, fmt.Errorf("%w: %d (have %d)", ErrEventOutOfRange, idx, len(m.Events))
	}
	ev := m.Events[idx]
	return &ev, nil
}

// JSONLSource reads events stored one JSON object per line. Line offsets
// are indexed on open so events can be read in any order.
type JSONLSource struct {
	mu      sync.Mutex
	f       *os.File
	offsets []int64
	lengths []int
}

// NewJSONLSource opens path and indexes its lines. Blank lines are skipped.
func NewJSONLSource(path string) (*JSONLSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open event file: %w", err)
	}

	s := &JSONLSource{f: f}
	r := bufio.NewReader(f)
	var off int64
	for {
		line, err := r.ReadBytes('\n')
		n := len(line)
		trimmed := n
		for trimmed > 0 && (line[trimmed-1] == '\n' || line[trimmed-1] == '\r') {
			trimmed--
		}
		if trimmed > 0 {
			s.offsets = append(s.offsets, off)
			s.lengths = append(s.lengths, trimmed)
		}
		off += int64(n)
		if err == io.EOF {
			break
		}
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to index event file: %w", err)
		}
	}
	return s, nil
}

// NEvents implements Source.
func (s *JSONLSource) NEvents() int { return len(s.offsets) }

// Event implements Source.
func (s *JSONLSource) Event(ctx context.Context, idx int) (*Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if idx < 0 || idx >= len(s.offsets) {
		return nil, fmt.Errorf("%w: %d (have %d)", ErrEventOutOfRange, idx, len(s.offsets))
	}

	buf := make([]byte, s.lengths[idx])
	s.mu.Lock()
	_, err := s.f.ReadAt(buf, s.offsets[idx])
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to read event %d: %w", idx, err)
	}

	var raw eventJSON
	if err := json.Unmarshal(buf, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode event %d: %w", idx, err)
	}
	ev := raw.toEvent()
	ev.Entry = idx
	return ev, nil
}

// Close releases the underlying file.
func (s *JSONLSource) Close() error {
	return s.f.Close()
}

// WriteJSONL encodes events one per line in the format read by JSONLSource.
func WriteJSONL(w io.Writer, events []Event) error {
	bw := bufio.NewWriter(w)
	for i := range events {
		data, err := json.Marshal(fromEvent(&events[i]))
		if err != nil {
			return fmt.Errorf("failed to encode event %d: %w", i, err)
		}
		if _, err := bw.Write(data); err != nil {
			return err
		}
		if err := bw.WriteByte('\n'); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// Wire format. Column names follow the ntuple branch names.

type cellJSON struct {
	ID     uint32  `json:"id"`
	Layer  int     `json:"layer"`
	ZSide  int     `json:"zside"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Z      float64 `json:"z"`
	Eta    float64 `json:"eta"`
	Phi    float64 `json:"phi"`
	Energy float64 `json:"energy"`
	Pt     float64 `json:"pt"`
}

type cluster2DJSON struct {
	ID     uint32   `json:"id"`
	Layer  int      `json:"layer"`
	ZSide  int      `json:"zside"`
	Eta    float64  `json:"eta"`
	Phi    float64  `json:"phi"`
	Energy float64  `json:"energy"`
	Pt     float64  `json:"pt"`
	X      float64  `json:"x"`
	Y      float64  `json:"y"`
	Z      float64  `json:"z"`
	Cells  []uint32 `json:"cells"`
}

type cluster3DJSON struct {
	ID           uint32   `json:"id"`
	Eta          float64  `json:"eta"`
	Phi          float64  `json:"phi"`
	Pt           float64  `json:"pt"`
	Energy       float64  `json:"energy"`
	Clusters     []uint32 `json:"clusters"`
	Quality      int      `json:"quality"`
	HoE          *float64 `json:"hoe,omitempty"`
	EMaxE        float64  `json:"emaxe"`
	FirstLayer   int      `json:"firstlayer"`
	MaxLayer     int      `json:"maxlayer"`
	ShowerLength int      `json:"showerlength"`
	SZZ          float64  `json:"szz"`
}

type towerJSON struct {
	IEta   int     `json:"iEta"`
	IPhi   int     `json:"iPhi"`
	Eta    float64 `json:"eta"`
	Phi    float64 `json:"phi"`
	Pt     float64 `json:"pt"`
	Energy float64 `json:"energy"`
	EtEm   float64 `json:"etEm"`
	EtHad  float64 `json:"etHad"`
}

type egJSON struct {
	Eta    float64 `json:"eta"`
	Phi    float64 `json:"phi"`
	Pt     float64 `json:"pt"`
	Energy float64 `json:"energy"`
	HwQual int     `json:"hwQual"`
}

type genJSON struct {
	Eta       float64 `json:"eta"`
	Phi       float64 `json:"phi"`
	Pt        float64 `json:"pt"`
	Energy    float64 `json:"energy"`
	PID       int     `json:"pid"`
	Gen       int     `json:"gen"`
	ReachedEE int     `json:"reachedEE"`
}

type eventJSON struct {
	Run     uint32          `json:"run"`
	Lumi    uint32          `json:"lumi"`
	Event   uint64          `json:"event"`
	TC      []cellJSON      `json:"tc"`
	CL      []cluster2DJSON `json:"cl"`
	CL3D    []cluster3DJSON `json:"cl3d"`
	Tower   []towerJSON     `json:"tower"`
	GenPart []genJSON       `json:"genpart"`

	SimTower    []towerJSON `json:"simTower,omitempty"`
	HGCROCTower []towerJSON `json:"hgcrocTower,omitempty"`
	WaferTower  []towerJSON `json:"waferTower,omitempty"`
	EGammaEE    []egJSON    `json:"egammaEE,omitempty"`
}

func (raw *eventJSON) toEvent() *Event {
	ev := &Event{Run: raw.Run, Lumi: raw.Lumi, Event: raw.Event}

	ev.Cells = make([]Cell, len(raw.TC))
	for i, c := range raw.TC {
		side := c.ZSide
		if side == 0 {
			side = SideOf(c.Eta)
		}
		ev.Cells[i] = Cell{
			ID: c.ID, Layer: c.Layer, Side: side,
			X: c.X, Y: c.Y, Z: c.Z,
			Eta: c.Eta, Phi: c.Phi, Energy: c.Energy, Pt: c.Pt,
		}
	}

	ev.Clusters2D = make([]Cluster2D, len(raw.CL))
	for i, c := range raw.CL {
		side := c.ZSide
		if side == 0 {
			side = SideOf(c.Eta)
		}
		ev.Clusters2D[i] = Cluster2D{
			ID: c.ID, Layer: c.Layer, Side: side,
			Eta: c.Eta, Phi: c.Phi, Energy: c.Energy, Pt: c.Pt,
			X: c.X, Y: c.Y, Z: c.Z,
			Cells: c.Cells,
		}
	}

	ev.Clusters3D = make([]Cluster3D, len(raw.CL3D))
	for i, c := range raw.CL3D {
		cl := Cluster3D{
			ID: c.ID, Side: SideOf(c.Eta),
			Eta: c.Eta, Phi: c.Phi, Pt: c.Pt, Energy: c.Energy,
			Clusters: c.Clusters, NClu: len(c.Clusters), Quality: c.Quality,
			EMaxE: c.EMaxE, FirstLayer: c.FirstLayer, MaxLayer: c.MaxLayer,
			ShowerLength: c.ShowerLength, SigmaZZ: c.SZZ,
		}
		if c.HoE != nil && !math.IsNaN(*c.HoE) {
			cl.HoE = *c.HoE
			cl.HasHoE = true
		}
		ev.Clusters3D[i] = cl
	}

	ev.Towers = decodeTowers(raw.Tower)
	ev.SimTowers = decodeTowers(raw.SimTower)
	ev.HGCROCTowers = decodeTowers(raw.HGCROCTower)
	ev.WaferTowers = decodeTowers(raw.WaferTower)

	ev.EGamma = make([]EGamma, len(raw.EGammaEE))
	for i, e := range raw.EGammaEE {
		ev.EGamma[i] = EGamma(e)
	}

	ev.GenParticles = make([]GenParticle, len(raw.GenPart))
	for i, g := range raw.GenPart {
		ev.GenParticles[i] = GenParticle(g)
	}
	return ev
}

func fromEvent(ev *Event) *eventJSON {
	raw := &eventJSON{Run: ev.Run, Lumi: ev.Lumi, Event: ev.Event}
	for _, c := range ev.Cells {
		raw.TC = append(raw.TC, cellJSON{
			ID: c.ID, Layer: c.Layer, ZSide: c.Side,
			X: c.X, Y: c.Y, Z: c.Z,
			Eta: c.Eta, Phi: c.Phi, Energy: c.Energy, Pt: c.Pt,
		})
	}
	for _, c := range ev.Clusters2D {
		raw.CL = append(raw.CL, cluster2DJSON{
			ID: c.ID, Layer: c.Layer, ZSide: c.Side,
			Eta: c.Eta, Phi: c.Phi, Energy: c.Energy, Pt: c.Pt,
			X: c.X, Y: c.Y, Z: c.Z, Cells: c.Cells,
		})
	}
	for _, c := range ev.Clusters3D {
		cj := cluster3DJSON{
			ID: c.ID, Eta: c.Eta, Phi: c.Phi, Pt: c.Pt, Energy: c.Energy,
			Clusters: c.Clusters, Quality: c.Quality, EMaxE: c.EMaxE,
			FirstLayer: c.FirstLayer, MaxLayer: c.MaxLayer,
			ShowerLength: c.ShowerLength, SZZ: c.SigmaZZ,
		}
		if c.HasHoE {
			hoe := c.HoE
			cj.HoE = &hoe
		}
		raw.CL3D = append(raw.CL3D, cj)
	}
	raw.Tower = encodeTowers(ev.Towers)
	raw.SimTower = encodeTowers(ev.SimTowers)
	raw.HGCROCTower = encodeTowers(ev.HGCROCTowers)
	raw.WaferTower = encodeTowers(ev.WaferTowers)
	for _, e := range ev.EGamma {
		raw.EGammaEE = append(raw.EGammaEE, egJSON(e))
	}
	for _, g := range ev.GenParticles {
		raw.GenPart = append(raw.GenPart, genJSON(g))
	}
	return raw
}

func decodeTowers(raw []towerJSON) []Tower {
	out := make([]Tower, len(raw))
	for i, t := range raw {
		out[i] = Tower(t)
	}
	return out
}

func encodeTowers(towers []Tower) []towerJSON {
	var out []towerJSON
	for _, t := range towers {
		out = append(out, towerJSON(t))
	}
	return out
}

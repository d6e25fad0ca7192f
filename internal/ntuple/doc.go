// Package ntuple owns the per-event record model of the trigger-primitive
// ntuples: trigger cells, 2D clusters, 3D clusters, towers and generator
// particles.
//
// Responsibilities: typed record kinds with a fixed column contract
// (Record.Field), the Event container and the Source collaborator that
// supplies events by index.
//
// Dependency rule: ntuple depends on nothing else in this module. Clustering,
// calibration, classification and selection all consume these types.
package ntuple

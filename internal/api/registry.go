package api

import (
	"github.com/haloview/server/internal/service"
)

// DatasetInfo contains information about a dataset for the API response.
type DatasetInfo struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Levels int    `json:"levels"`
}

// DatasetRegistry holds view services for all configured datasets.
type DatasetRegistry struct {
	services       map[string]*service.ViewService
	names          map[string]string
	defaultDataset string
	datasetOrder   []string
	title          string
}

// NewDatasetRegistry creates a new dataset registry. The first registered
// dataset becomes the default unless defaultDataset names another.
func NewDatasetRegistry(defaultDataset string, title string) *DatasetRegistry {
	return &DatasetRegistry{
		services:       make(map[string]*service.ViewService),
		names:          make(map[string]string),
		defaultDataset: defaultDataset,
		title:          title,
	}
}

// Register adds the view service of a dataset, keeping registration order.
func (r *DatasetRegistry) Register(datasetID, name string, svc *service.ViewService) {
	if _, ok := r.services[datasetID]; !ok {
		r.datasetOrder = append(r.datasetOrder, datasetID)
	}
	r.services[datasetID] = svc
	r.names[datasetID] = name
	if r.defaultDataset == "" {
		r.defaultDataset = datasetID
	}
}

// Get returns the view service for a dataset, or nil if not found.
func (r *DatasetRegistry) Get(datasetID string) *service.ViewService {
	return r.services[datasetID]
}

// Default returns the default dataset's view service.
func (r *DatasetRegistry) Default() *service.ViewService {
	return r.services[r.defaultDataset]
}

// DefaultDatasetID returns the default dataset ID.
func (r *DatasetRegistry) DefaultDatasetID() string {
	return r.defaultDataset
}

// DatasetIDs returns all dataset IDs in registration order.
func (r *DatasetRegistry) DatasetIDs() []string {
	return r.datasetOrder
}

// Title returns the configured site title.
func (r *DatasetRegistry) Title() string {
	if r.title != "" {
		return r.title
	}
	return "HaloView"
}

// Datasets returns dataset info for all registered datasets.
func (r *DatasetRegistry) Datasets() []DatasetInfo {
	infos := make([]DatasetInfo, 0, len(r.datasetOrder))
	for _, id := range r.datasetOrder {
		name := r.names[id]
		if name == "" {
			name = id
		}
		infos = append(infos, DatasetInfo{
			ID:     id,
			Name:   name,
			Levels: r.services[id].Engine().Source().LevelCount(),
		})
	}
	return infos
}

// Close stops every dataset engine.
func (r *DatasetRegistry) Close() {
	for _, id := range r.datasetOrder {
		r.services[id].Close()
	}
}

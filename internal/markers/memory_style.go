package markers

import (
	"image"
	"sort"
	"sync"
)

// MemoryStyle is a Style held in memory. The HTTP API serialises it as the
// style document of a session; tests inspect its call log.
type MemoryStyle struct {
	mu      sync.Mutex
	images  map[string]image.Image
	sources map[string]Source
	layers  []Layer
	calls   []string
}

// NewMemoryStyle constructs an empty style.
func NewMemoryStyle() *MemoryStyle {
	return &MemoryStyle{images: map[string]image.Image{}, sources: map[string]Source{}}
}

func (m *MemoryStyle) record(call string) { m.calls = append(m.calls, call) }

func (m *MemoryStyle) AddImage(id string, img image.Image) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("addImage:" + id)
	m.images[id] = img
}

func (m *MemoryStyle) AddSource(src Source) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("addSource:" + src.ID)
	m.sources[src.ID] = src
}

func (m *MemoryStyle) AddLayer(layer Layer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("addLayer:" + layer.ID)
	m.layers = append(m.layers, layer)
}

func (m *MemoryStyle) RemoveStyleLayer(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("removeLayer:" + id)
	for i, l := range m.layers {
		if l.ID == id {
			m.layers = append(m.layers[:i:i], m.layers[i+1:]...)
			return
		}
	}
}

func (m *MemoryStyle) RemoveStyleSource(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("removeSource:" + id)
	delete(m.sources, id)
}

func (m *MemoryStyle) StyleLayerExists(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.layers {
		if l.ID == id {
			return true
		}
	}
	return false
}

func (m *MemoryStyle) StyleSourceExists(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sources[id]
	return ok
}

func (m *MemoryStyle) HasStyleImage(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.images[id]
	return ok
}

// Calls returns the mutation log.
func (m *MemoryStyle) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// ResetCalls clears the mutation log.
func (m *MemoryStyle) ResetCalls() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

// Document is the serialisable form of a style.
type Document struct {
	Sources []Source `json:"sources"`
	Layers  []Layer  `json:"layers"`
	Images  []string `json:"images"`
}

// Document snapshots the style.
func (m *MemoryStyle) Document() Document {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc := Document{Layers: append([]Layer(nil), m.layers...)}
	for _, src := range m.sources {
		doc.Sources = append(doc.Sources, src)
	}
	sort.Slice(doc.Sources, func(i, j int) bool { return doc.Sources[i].ID < doc.Sources[j].ID })
	for id := range m.images {
		doc.Images = append(doc.Images, id)
	}
	sort.Strings(doc.Images)
	return doc
}

package sqlite

import (
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/portside-io/portside/internal/proxy"
)

// ProxyModel is the database row for the active_proxies table. The full
// record is stored as a JSON snapshot; the scalar columns exist for
// filtering without decoding.
type ProxyModel struct {
	ID        string
	Realm     string
	SpecID    string
	UserID    string
	Status    string
	Record    string // JSON encoded
	CreatedAt int64  // Unix timestamp
	UpdatedAt int64  // Unix timestamp
}

// proxyRecord is the JSON shape of a stored proxy.
type proxyRecord struct {
	ID          string            `json:"id"`
	SpecID      string            `json:"specId"`
	UserID      string            `json:"userId"`
	DisplayName string            `json:"displayName,omitempty"`
	Status      string            `json:"status"`
	CreatedAt   int64             `json:"createdAt"`
	StartedAt   int64             `json:"startedAt,omitempty"`
	Containers  []containerRecord `json:"containers,omitempty"`
	Targets     map[string]string `json:"targets,omitempty"`
	StartupLog  proxy.StartupLog  `json:"startupLog,omitempty"`
}

type containerRecord struct {
	Index         int               `json:"index"`
	ID            string            `json:"id"`
	PortBindings  map[int]int       `json:"portBindings,omitempty"`
	RuntimeLabels map[string]string `json:"runtimeLabels,omitempty"`
}

// toProxyModel converts a proxy to its database row.
func toProxyModel(realm string, p *proxy.Proxy) (*ProxyModel, error) {
	rec := proxyRecord{
		ID:          p.ID,
		SpecID:      p.SpecID,
		UserID:      p.UserID,
		DisplayName: p.DisplayName,
		Status:      string(p.Status),
		CreatedAt:   p.CreatedAt.Unix(),
		StartupLog:  p.StartupLog,
	}
	if !p.StartedAt.IsZero() {
		rec.StartedAt = p.StartedAt.Unix()
	}
	for _, c := range p.Containers {
		rec.Containers = append(rec.Containers, containerRecord{
			Index:         c.Index,
			ID:            c.ID,
			PortBindings:  c.PortBindings,
			RuntimeLabels: c.RuntimeLabels,
		})
	}
	if len(p.Targets) > 0 {
		rec.Targets = make(map[string]string, len(p.Targets))
		for path, target := range p.Targets {
			rec.Targets[path] = target.String()
		}
	}
	encoded, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode proxy record: %w", err)
	}
	return &ProxyModel{
		ID:        p.ID,
		Realm:     realm,
		SpecID:    p.SpecID,
		UserID:    p.UserID,
		Status:    string(p.Status),
		Record:    string(encoded),
		CreatedAt: p.CreatedAt.Unix(),
		UpdatedAt: time.Now().Unix(),
	}, nil
}

// toProxy converts a database row back into a proxy.
func (m *ProxyModel) toProxy() (*proxy.Proxy, error) {
	var rec proxyRecord
	if err := json.Unmarshal([]byte(m.Record), &rec); err != nil {
		return nil, fmt.Errorf("failed to decode proxy record %s: %w", m.ID, err)
	}
	p := &proxy.Proxy{
		ID:          rec.ID,
		SpecID:      rec.SpecID,
		UserID:      rec.UserID,
		DisplayName: rec.DisplayName,
		Status:      proxy.Status(rec.Status),
		CreatedAt:   time.Unix(rec.CreatedAt, 0),
		StartupLog:  rec.StartupLog,
	}
	if rec.StartedAt != 0 {
		p.StartedAt = time.Unix(rec.StartedAt, 0)
	}
	for _, c := range rec.Containers {
		p.Containers = append(p.Containers, proxy.Container{
			Index:         c.Index,
			ID:            c.ID,
			PortBindings:  c.PortBindings,
			RuntimeLabels: c.RuntimeLabels,
		})
	}
	if len(rec.Targets) > 0 {
		p.Targets = make(map[string]*url.URL, len(rec.Targets))
		for path, raw := range rec.Targets {
			u, err := url.Parse(raw)
			if err != nil {
				return nil, fmt.Errorf("failed to decode target %q of proxy %s: %w", path, m.ID, err)
			}
			p.Targets[path] = u
		}
	}
	return p, nil
}

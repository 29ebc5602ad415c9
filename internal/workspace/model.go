package workspace

import (
	"encoding/json"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/agentworkforce/boardsync/internal/errs"
)

const (
	KeyWorkspaces  = "workspaces"
	KeyContent     = "content"
	KeyPreferences = "preferences"

	MaxNameLength = 120
)

type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Node struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Position Position       `json:"position"`
	Width    float64        `json:"width,omitempty"`
	Height   float64        `json:"height,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
}

type Edge struct {
	ID     string         `json:"id"`
	Source string         `json:"source"`
	Target string         `json:"target"`
	Label  string         `json:"label,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
}

type Viewport struct {
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	Zoom float64 `json:"zoom"`
}

func DefaultViewport() Viewport {
	return Viewport{Zoom: 1}
}

type ContentGraph struct {
	Nodes    []Node   `json:"nodes"`
	Edges    []Edge   `json:"edges"`
	Viewport Viewport `json:"viewport"`
}

func EmptyGraph() ContentGraph {
	return ContentGraph{Nodes: []Node{}, Edges: []Edge{}, Viewport: DefaultViewport()}
}

type Metadata struct {
	NodeCount    int       `json:"nodeCount"`
	LastAccessed time.Time `json:"lastAccessed"`
	Tags         []string  `json:"tags"`
	IsArchived   bool      `json:"isArchived"`
	IsPrivate    bool      `json:"isPrivate"`
}

type Workspace struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	CreatedAt    time.Time `json:"createdAt"`
	LastModified time.Time `json:"lastModified"`
	OwnerID      string    `json:"ownerId"`
	Metadata     Metadata  `json:"metadata"`
}

// MetadataUpdate changes only the fields that are set.
type MetadataUpdate struct {
	Tags       *[]string
	IsArchived *bool
	IsPrivate  *bool
}

// SyncPreferences override the sync section of the config. Unset fields keep
// the configured value.
type SyncPreferences struct {
	Enabled         *bool  `json:"enabled,omitempty"`
	Endpoint        string `json:"endpoint,omitempty" validate:"omitempty,url"`
	Strategy        string `json:"strategy,omitempty" validate:"omitempty,oneof=local_wins remote_wins merge prompt_user"`
	IntervalSeconds int    `json:"intervalSeconds,omitempty" validate:"gte=0"`
}

type Preferences struct {
	Sync     SyncPreferences `json:"sync"`
	Settings map[string]any  `json:"settings,omitempty"`
}

// workspacesDoc is the persisted shape under KeyWorkspaces.
type workspacesDoc struct {
	Workspaces []Workspace `json:"workspaces"`
	ActiveID   string      `json:"activeId"`
}

// cloneJSON deep-copies v through its JSON form. Free-form node and edge
// data only holds JSON values, so the round trip is lossless.
func cloneJSON[T any](v T) T {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

func (w Workspace) clone() Workspace {
	w.Metadata.Tags = append([]string{}, w.Metadata.Tags...)
	return w
}

func (g ContentGraph) clone() ContentGraph {
	out := cloneJSON(g)
	if out.Nodes == nil {
		out.Nodes = []Node{}
	}
	if out.Edges == nil {
		out.Edges = []Edge{}
	}
	return out
}

func normalizeName(op, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errs.Validation(op, "workspace name is required")
	}
	if utf8.RuneCountInString(name) > MaxNameLength {
		return "", errs.Validation(op, "workspace name is too long")
	}
	return name, nil
}

func normalizeTags(tags []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}

func validateGraph(op string, nodes []Node, edges []Edge) error {
	ids := make(map[string]struct{}, len(nodes))
	for _, n := range nodes {
		if strings.TrimSpace(n.ID) == "" {
			return errs.Validation(op, "node id is required")
		}
		if _, dup := ids[n.ID]; dup {
			return errs.Validation(op, "duplicate node id "+n.ID)
		}
		ids[n.ID] = struct{}{}
	}
	for _, e := range edges {
		if strings.TrimSpace(e.ID) == "" {
			return errs.Validation(op, "edge id is required")
		}
	}
	return nil
}

func normalizeViewport(v Viewport) Viewport {
	if v.Zoom <= 0 {
		v.Zoom = 1
	}
	return v
}

package workspace

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"

	"github.com/agentworkforce/boardsync/internal/changes"
	"github.com/agentworkforce/boardsync/internal/errs"
)

const (
	ExportFormat  = "boardsync.workspace"
	ExportVersion = 1

	exportSchemaURL = "https://schemas.boardsync.dev/export.json"
)

//go:embed schema/export.schema.json
var exportSchemaJSON []byte

// ExportDocument is the portable form of one workspace and its graph.
type ExportDocument struct {
	Format     string         `json:"format"`
	Version    int            `json:"version"`
	ExportedAt time.Time      `json:"exportedAt"`
	Workspace  ExportedHeader `json:"workspace"`
	Content    ContentGraph   `json:"content"`
}

type ExportedHeader struct {
	ID        string    `json:"id,omitempty"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
	Tags      []string  `json:"tags,omitempty"`
	IsPrivate bool      `json:"isPrivate,omitempty"`
}

var (
	exportSchemaOnce sync.Once
	exportSchema     *jsonschema.Schema
	exportSchemaErr  error
)

func compiledExportSchema() (*jsonschema.Schema, error) {
	exportSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(exportSchemaJSON))
		if err != nil {
			exportSchemaErr = err
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(exportSchemaURL, doc); err != nil {
			exportSchemaErr = err
			return
		}
		exportSchema, exportSchemaErr = c.Compile(exportSchemaURL)
	})
	return exportSchema, exportSchemaErr
}

// ValidateExport checks data against the export document schema.
func ValidateExport(data []byte) error {
	const op = "workspace.validate_export"
	schema, err := compiledExportSchema()
	if err != nil {
		return errs.Wrap(errs.KindInternal, op, err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return errs.Wrap(errs.KindValidation, op, err)
	}
	if err := schema.Validate(inst); err != nil {
		return errs.Wrap(errs.KindValidation, op, err)
	}
	return nil
}

func (s *Store) Export(id string) ([]byte, error) {
	const op = "workspace.export"
	s.mu.Lock()
	if err := s.readyLocked(op); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	idx := s.indexLocked(id)
	if idx < 0 {
		s.mu.Unlock()
		return nil, errs.NotFound(op, "workspace "+id)
	}
	ws := s.workspaces[idx].clone()
	graph, ok := s.content[id]
	if !ok {
		graph = EmptyGraph()
	}
	graph = graph.clone()
	now := s.clock.Now().UTC()
	s.mu.Unlock()

	doc := ExportDocument{
		Format:     ExportFormat,
		Version:    ExportVersion,
		ExportedAt: now,
		Workspace: ExportedHeader{
			ID:        ws.ID,
			Name:      ws.Name,
			CreatedAt: ws.CreatedAt,
			Tags:      ws.Metadata.Tags,
			IsPrivate: ws.Metadata.IsPrivate,
		},
		Content: graph,
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, op, err)
	}
	return data, nil
}

// Import adds the exported workspace under a new id. Nodes and edges keep
// their ids so the graph is reproduced exactly. The active workspace is not
// changed.
func (s *Store) Import(ctx context.Context, data []byte) (Workspace, error) {
	const op = "workspace.import"
	if err := ValidateExport(data); err != nil {
		return Workspace{}, err
	}
	var doc ExportDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return Workspace{}, errs.Wrap(errs.KindValidation, op, err)
	}
	name, err := normalizeName(op, doc.Workspace.Name)
	if err != nil {
		return Workspace{}, err
	}
	if err := validateGraph(op, doc.Content.Nodes, doc.Content.Edges); err != nil {
		return Workspace{}, err
	}
	graph := ContentGraph{
		Nodes:    doc.Content.Nodes,
		Edges:    doc.Content.Edges,
		Viewport: normalizeViewport(doc.Content.Viewport),
	}.clone()

	s.mu.Lock()
	if err := s.readyLocked(op); err != nil {
		s.mu.Unlock()
		return Workspace{}, err
	}
	undo := s.checkpointLocked()
	ws := s.newWorkspaceLocked(name)
	ws.Metadata.Tags = normalizeTags(doc.Workspace.Tags)
	ws.Metadata.IsPrivate = doc.Workspace.IsPrivate
	ws.Metadata.NodeCount = len(graph.Nodes)
	s.workspaces = append(s.workspaces, ws)
	s.content[ws.ID] = graph
	s.touchLocked(KeyWorkspaces, KeyContent)
	if err := s.persistLocked(ctx, immediate, KeyWorkspaces, KeyContent); err != nil {
		undo()
		s.mu.Unlock()
		return Workspace{}, err
	}
	s.trackLocked(ctx, KeyWorkspaces, changes.OpCreate, ws, ws.ID)
	s.trackLocked(ctx, KeyContent, changes.OpUpdate, contentChange{WorkspaceID: ws.ID, Graph: graph}, ws.ID)
	s.mu.Unlock()

	s.logger.Info("imported workspace",
		zap.String("workspace_id", ws.ID),
		zap.String("source_id", doc.Workspace.ID),
		zap.Int("nodes", len(graph.Nodes)),
	)
	s.emit(s.event(EventWorkspaceImported, &ws))
	return ws.clone(), nil
}

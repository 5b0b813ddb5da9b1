package mirror

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/agentworkforce/relaygraph/internal/relaygraph"
	"go.uber.org/zap"
)

const defaultReconnectDelay = 5 * time.Second

type SyncerOptions struct {
	WorkspaceID    string
	OutputFile     string
	Theme          string
	ReconnectDelay time.Duration
	Logger         *zap.Logger
}

// Document is the file a mirror keeps up to date.
type Document struct {
	WorkspaceID string                 `json:"workspaceId"`
	SyncedAt    time.Time              `json:"syncedAt"`
	LastEventID string                 `json:"lastEventId,omitempty"`
	Graph       relaygraph.StyledGraph `json:"graph"`
}

// Syncer keeps a local JSON copy of one workspace's styled graph. It pulls the
// full graph on start and again whenever the server announces a change.
type Syncer struct {
	client         RemoteClient
	workspace      string
	outputFile     string
	theme          string
	reconnectDelay time.Duration
	logger         *zap.Logger
	lastHash       string
	lastEventID    string
}

func NewSyncer(client RemoteClient, opts SyncerOptions) (*Syncer, error) {
	if client == nil {
		return nil, fmt.Errorf("client is required")
	}
	workspace := strings.TrimSpace(opts.WorkspaceID)
	if workspace == "" {
		return nil, fmt.Errorf("workspace id is required")
	}
	outputFile := strings.TrimSpace(opts.OutputFile)
	if outputFile == "" {
		return nil, fmt.Errorf("output file is required")
	}
	theme := strings.ToLower(strings.TrimSpace(opts.Theme))
	if theme == "" {
		theme = "light"
	}
	if theme != "light" && theme != "dark" {
		return nil, fmt.Errorf("unknown theme %q", opts.Theme)
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = defaultReconnectDelay
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	outputFile = filepath.Clean(outputFile)
	if err := os.MkdirAll(filepath.Dir(outputFile), 0o755); err != nil {
		return nil, err
	}
	s := &Syncer{
		client:         client,
		workspace:      workspace,
		outputFile:     outputFile,
		theme:          theme,
		reconnectDelay: opts.ReconnectDelay,
		logger:         opts.Logger.With(zap.String("workspaceID", workspace)),
	}
	s.loadExisting()
	return s, nil
}

// SyncOnce pulls the graph and rewrites the mirror file when the graph differs
// from what was last written. It reports whether the file changed.
func (s *Syncer) SyncOnce(ctx context.Context) (bool, error) {
	graph, err := s.client.FetchGraph(ctx, s.workspace, s.theme)
	if err != nil {
		return false, err
	}
	graphBytes, err := json.Marshal(graph)
	if err != nil {
		return false, err
	}
	hash := hashBytes(graphBytes)
	if hash == s.lastHash {
		return false, nil
	}
	doc := Document{
		WorkspaceID: s.workspace,
		SyncedAt:    time.Now().UTC(),
		LastEventID: s.lastEventID,
		Graph:       graph,
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return false, err
	}
	if err := writeFileAtomic(s.outputFile, append(data, '\n'), 0o644); err != nil {
		return false, err
	}
	s.lastHash = hash
	s.logger.Info("mirror updated",
		zap.String("path", s.outputFile),
		zap.Int("nodes", len(graph.Nodes)),
		zap.Int("links", len(graph.Links)),
	)
	return true, nil
}

// Run mirrors until ctx ends. A dropped stream is reopened after the reconnect
// delay, with a full pull each time since events may have been missed.
func (s *Syncer) Run(ctx context.Context) error {
	for {
		err := s.client.StreamEvents(ctx, s.workspace, func(event relaygraph.ChangeEvent) error {
			return s.handleEvent(ctx, event)
		})
		if ctx.Err() != nil {
			return nil
		}
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && (httpErr.StatusCode == 401 || httpErr.StatusCode == 403) {
			return err
		}
		if err != nil {
			s.logger.Warn("event stream interrupted", zap.Error(err))
		} else {
			s.logger.Info("event stream closed by server")
		}
		if waitErr := waitWithContext(ctx, s.reconnectDelay); waitErr != nil {
			return nil
		}
	}
}

func (s *Syncer) handleEvent(ctx context.Context, event relaygraph.ChangeEvent) error {
	if event.ChangeKind != relaygraph.ChangeConnected {
		s.lastEventID = event.EventID
		s.logger.Debug("change received",
			zap.String("changeKind", string(event.ChangeKind)),
			zap.Int("affected", len(event.AffectedIDs)),
		)
	}
	if _, err := s.SyncOnce(ctx); err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode == 404 {
			s.logger.Info("workspace has no snapshot yet")
			return nil
		}
		return err
	}
	return nil
}

// loadExisting seeds the change detector from a previous run so an unchanged
// graph does not rewrite the file on restart.
func (s *Syncer) loadExisting() {
	data, err := os.ReadFile(s.outputFile)
	if err != nil {
		return
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil || doc.WorkspaceID != s.workspace {
		return
	}
	graphBytes, err := json.Marshal(doc.Graph)
	if err != nil {
		return
	}
	s.lastHash = hashBytes(graphBytes)
	s.lastEventID = doc.LastEventID
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}

package search

import (
	"log/slog"

	"github.com/poiesic/recall/core"
)

// SearchMonitor provides hooks to observe the search process.
// Implement this interface to track intermediate steps and results during search.
type SearchMonitor interface {
	Start(query string)
	AfterEmbedding(dimensions int)
	AfterVectorSearch(ids []core.ID)
	AfterReembedding(reembedded, dropped int)
	AfterRerank(ids []core.ID)
	Finish(results []*core.ScoredFragment)
}

// noopMonitor is a no-op implementation of SearchMonitor
type noopMonitor struct{}

var _ SearchMonitor = (*noopMonitor)(nil)

func (n *noopMonitor) Start(_ string)                  {}
func (n *noopMonitor) AfterEmbedding(_ int)            {}
func (n *noopMonitor) AfterVectorSearch(_ []core.ID)   {}
func (n *noopMonitor) AfterReembedding(_, _ int)       {}
func (n *noopMonitor) AfterRerank(_ []core.ID)         {}
func (n *noopMonitor) Finish(_ []*core.ScoredFragment) {}

// LogMonitor reports every search stage to a logger at debug level.
type LogMonitor struct {
	Logger *slog.Logger
}

var _ SearchMonitor = (*LogMonitor)(nil)

func (m *LogMonitor) logger() *slog.Logger {
	if m.Logger == nil {
		return slog.Default()
	}
	return m.Logger
}

func (m *LogMonitor) Start(query string) {
	m.logger().Debug("search started", "query", query)
}

func (m *LogMonitor) AfterEmbedding(dimensions int) {
	m.logger().Debug("query embedded", "dimensions", dimensions)
}

func (m *LogMonitor) AfterVectorSearch(ids []core.ID) {
	m.logger().Debug("vector search returned", "count", len(ids), "ids", ids)
}

func (m *LogMonitor) AfterReembedding(reembedded, dropped int) {
	m.logger().Debug("candidates prepared", "reembedded", reembedded, "dropped", dropped)
}

func (m *LogMonitor) AfterRerank(ids []core.ID) {
	m.logger().Debug("mmr selected", "count", len(ids), "ids", ids)
}

func (m *LogMonitor) Finish(results []*core.ScoredFragment) {
	m.logger().Debug("search finished", "results", len(results))
}

package mcts

import "time"

// SearchMetric summarizes one Search call.
type SearchMetric struct {
	Duration     time.Duration
	Simulations  int
	MaxDepth     int
	TotalDepth   int
	TerminalHits int
}

func (m SearchMetric) AvgDepth() float64 {
	if m.Simulations == 0 {
		return 0
	}
	return float64(m.TotalDepth) / float64(m.Simulations)
}

// Collector receives per-simulation events from a search. A collector is used
// by one search at a time.
type Collector interface {
	Start()
	AddSimulation(depth int, terminal bool)
	Complete() SearchMetric
}

type collector struct {
	start time.Time
	m     SearchMetric
}

// NewCollector returns a collector that records every simulation.
func NewCollector() Collector {
	return &collector{}
}

func (c *collector) Start() {
	c.start = time.Now()
	c.m = SearchMetric{}
}

func (c *collector) AddSimulation(depth int, terminal bool) {
	c.m.Simulations++
	c.m.TotalDepth += depth
	if depth > c.m.MaxDepth {
		c.m.MaxDepth = depth
	}
	if terminal {
		c.m.TerminalHits++
	}
}

func (c *collector) Complete() SearchMetric {
	c.m.Duration = time.Since(c.start)
	return c.m
}

type dummyCollector struct{}

func NewDummyCollector() Collector {
	return dummyCollector{}
}

func (dummyCollector) Start()                  {}
func (dummyCollector) AddSimulation(int, bool) {}
func (dummyCollector) Complete() SearchMetric  { return SearchMetric{} }

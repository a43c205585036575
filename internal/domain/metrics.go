package domain

// Metrics is a partial, mergeable usage report. A nil field means the
// upstream did not report it.
type Metrics struct {
	InputTokens      *int `json:"in,omitempty"`
	CacheReadTokens  *int `json:"cacheRead,omitempty"`
	CacheWriteTokens *int `json:"cacheWrite,omitempty"`
	OutputTokens     *int `json:"out,omitempty"`
	ReasoningTokens  *int `json:"reasoning,omitempty"`
	UpstreamMs       *int `json:"upstreamMs,omitempty"`
}

// Merge overwrites each field of m that is present in other.
// Absent fields never reset prior values.
func (m *Metrics) Merge(other Metrics) {
	mergeInt(&m.InputTokens, other.InputTokens)
	mergeInt(&m.CacheReadTokens, other.CacheReadTokens)
	mergeInt(&m.CacheWriteTokens, other.CacheWriteTokens)
	mergeInt(&m.OutputTokens, other.OutputTokens)
	mergeInt(&m.ReasoningTokens, other.ReasoningTokens)
	mergeInt(&m.UpstreamMs, other.UpstreamMs)
}

// IsEmpty reports whether no field is set.
func (m Metrics) IsEmpty() bool {
	return m.InputTokens == nil && m.CacheReadTokens == nil && m.CacheWriteTokens == nil &&
		m.OutputTokens == nil && m.ReasoningTokens == nil && m.UpstreamMs == nil
}

// Clone returns a deep copy so queued particles never alias live state.
func (m Metrics) Clone() *Metrics {
	return &Metrics{
		InputTokens:      cloneInt(m.InputTokens),
		CacheReadTokens:  cloneInt(m.CacheReadTokens),
		CacheWriteTokens: cloneInt(m.CacheWriteTokens),
		OutputTokens:     cloneInt(m.OutputTokens),
		ReasoningTokens:  cloneInt(m.ReasoningTokens),
		UpstreamMs:       cloneInt(m.UpstreamMs),
	}
}

// Int returns a pointer to v, for building Metrics literals.
func Int(v int) *int { return &v }

func mergeInt(dst **int, src *int) {
	if src != nil {
		v := *src
		*dst = &v
	}
}

func cloneInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

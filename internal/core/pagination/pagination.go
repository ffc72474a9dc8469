// Package pagination computes page windows and the page metadata returned
// alongside list responses.
package pagination

// =============================================================================
// Defaults
// =============================================================================

const (
	DefaultPerPage = 15
	MaxPerPage     = 100
)

// =============================================================================
// Params
// =============================================================================

// Params is a requested page. Page is 1-based.
type Params struct {
	Page    int
	PerPage int
}

// Limits bound the per-page size. Zero values fall back to the package
// defaults.
type Limits struct {
	DefaultPerPage int
	MaxPerPage     int
}

func (l Limits) withDefaults() Limits {
	if l.DefaultPerPage <= 0 {
		l.DefaultPerPage = DefaultPerPage
	}
	if l.MaxPerPage <= 0 {
		l.MaxPerPage = MaxPerPage
	}
	if l.DefaultPerPage > l.MaxPerPage {
		l.DefaultPerPage = l.MaxPerPage
	}
	return l
}

// Normalize clamps p into a valid page request.
//
// Example:
//
//	Params{Page: 0, PerPage: 500}.Normalize(Limits{}) // {Page: 1, PerPage: 100}
func (p Params) Normalize(limits Limits) Params {
	limits = limits.withDefaults()
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PerPage <= 0 {
		p.PerPage = limits.DefaultPerPage
	}
	if p.PerPage > limits.MaxPerPage {
		p.PerPage = limits.MaxPerPage
	}
	return p
}

// Offset returns the number of rows to skip. Call on normalized params.
func (p Params) Offset() int {
	return (p.Page - 1) * p.PerPage
}

// =============================================================================
// Meta
// =============================================================================

// Meta describes one page of a list result.
type Meta struct {
	CurrentPage int  `json:"current_page"`
	LastPage    int  `json:"last_page"`
	PerPage     int  `json:"per_page"`
	Total       int  `json:"total"`
	From        *int `json:"from"`
	To          *int `json:"to"`
}

// NewMeta builds the metadata for page p of a result set with total rows,
// of which count were returned. From and To are 1-based row positions and
// are nil for an empty page. LastPage is at least 1.
func NewMeta(p Params, total, count int) Meta {
	lastPage := 1
	if p.PerPage > 0 && total > 0 {
		lastPage = (total + p.PerPage - 1) / p.PerPage
	}

	meta := Meta{
		CurrentPage: p.Page,
		LastPage:    lastPage,
		PerPage:     p.PerPage,
		Total:       total,
	}
	if count > 0 {
		from := p.Offset() + 1
		to := p.Offset() + count
		meta.From = &from
		meta.To = &to
	}
	return meta
}

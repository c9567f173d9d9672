package marketplace

import "time"

// Wire types for the tender API. Timestamps stay RFC3339 strings on the
// wire; parse helpers live where the values are interpreted.

type Period struct {
	StartDate        string `json:"startDate,omitempty"`
	ShouldStartAfter string `json:"shouldStartAfter,omitempty"`
}

type Lot struct {
	ID            string  `json:"id"`
	Status        string  `json:"status,omitempty"`
	AuctionPeriod *Period `json:"auctionPeriod,omitempty"`
}

type Tender struct {
	ID                      string  `json:"id"`
	Mode                    string  `json:"mode,omitempty"`
	Status                  string  `json:"status,omitempty"`
	NextCheck               string  `json:"next_check,omitempty"`
	AuctionPeriod           *Period `json:"auctionPeriod,omitempty"`
	Lots                    []Lot   `json:"lots,omitempty"`
	SubmissionMethodDetails string  `json:"submissionMethodDetails,omitempty"`
}

// TenderPatch is the write shape for auction period updates. An all-nil
// patch marshals to {} and must not be sent.
type TenderPatch struct {
	AuctionPeriod *PeriodPatch `json:"auctionPeriod,omitempty"`
	Lots          []LotPatch   `json:"lots,omitempty"`
}

type PeriodPatch struct {
	StartDate string `json:"startDate"`
}

// LotPatch entries are positional: untouched lots are sent as empty
// objects to keep indexes aligned with the tender's lot list.
type LotPatch struct {
	AuctionPeriod *PeriodPatch `json:"auctionPeriod,omitempty"`
}

// IsZero reports whether the patch would serialize to an empty object.
func (p TenderPatch) IsZero() bool {
	if p.AuctionPeriod != nil {
		return false
	}
	for _, l := range p.Lots {
		if l.AuctionPeriod != nil {
			return false
		}
	}
	return true
}

// ListingPage is one page of the changes feed plus the cursor to the
// next. Feed rows are tender summaries: the same shape as a full tender,
// restricted to the fields the feed opts in to.
type ListingPage struct {
	Items      []Tender
	NextOffset string
}

// ParseTime parses an API timestamp. Empty strings yield a zero time.
func ParseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}

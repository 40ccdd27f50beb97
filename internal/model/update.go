package model

// Update is an event pushed to subscribed connections. The set of variants
// is closed: NewOpportunity and BidStatusUpdate.
type Update interface {
	// Chain is the chain id that decides which connections receive it.
	Chain() string
	isUpdate()
}

// NewOpportunity announces a freshly registered opportunity.
type NewOpportunity struct {
	Opportunity Opportunity
}

// BidStatusUpdate announces a bid lifecycle change.
type BidStatusUpdate struct {
	BidID   string
	ChainID string
	Status  BidStatus
}

func (u NewOpportunity) Chain() string  { return u.Opportunity.ChainID }
func (u BidStatusUpdate) Chain() string { return u.ChainID }

func (NewOpportunity) isUpdate()  {}
func (BidStatusUpdate) isUpdate() {}

// Publisher delivers updates to interested subscribers.
type Publisher interface {
	Publish(u Update)
}

package organizations

// Organization is a participating organization eligible for consent-based sharing.
type Organization struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	OrganizationType string `json:"organization_type"`
	PartnershipType  string `json:"partnership_type"`
	IsActive         bool   `json:"is_active"`
}

// IDs returns the organization ids in listing order.
func IDs(orgs []Organization) []string {
	ids := make([]string, 0, len(orgs))
	for _, o := range orgs {
		ids = append(ids, o.ID)
	}
	return ids
}

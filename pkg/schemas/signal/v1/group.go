package signal

// Group is a group as listed by the gateway. ID is the public id carried on
// incoming messages; InternalID is what sends into the group need.
type Group struct {
	Name            string   `json:"name"`
	ID              string   `json:"id"`
	InternalID      string   `json:"internal_id"`
	Members         []string `json:"members"`
	Blocked         bool     `json:"blocked"`
	PendingInvites  []string `json:"pending_invites"`
	PendingRequests []string `json:"pending_requests"`
	InviteLink      string   `json:"invite_link"`
	Admins          []string `json:"admins"`
}

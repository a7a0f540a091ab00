package domain

import "time"

// TaskState tracks the three gating tasks for an identity.
type TaskState struct {
	Identity         string    `json:"identity"`
	TwitterConnected bool      `json:"twitter_connected"`
	CommunityJoined  bool      `json:"community_joined"`
	FollowVerified   bool      `json:"follow_verified"`
	CreditsAwarded   bool      `json:"credits_awarded"`
	FollowFailures   int       `json:"follow_failures"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// AllTasksComplete returns true once every gating task has been done.
func (s *TaskState) AllTasksComplete() bool {
	return s.TwitterConnected && s.CommunityJoined && s.FollowVerified
}

// FollowOutcome is the tri-state result of one follow check.
type FollowOutcome string

const (
	FollowFollowing     FollowOutcome = "following"
	FollowNotFollowing  FollowOutcome = "not-following"
	FollowIndeterminate FollowOutcome = "indeterminate"
)

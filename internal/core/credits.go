package core

// Balance is the coordinator's view of a worker's standing. The wire name
// for tokens is "token".
type Balance struct {
	Trust  int64 `json:"trust"`
	Tokens int64 `json:"token"`
}

// Earned returns the token difference since an earlier snapshot.
func (b Balance) Earned(since Balance) int64 {
	return b.Tokens - since.Tokens
}

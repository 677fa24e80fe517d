package users

// placeholderID marks the user object installed during a cold-start session
// restore, before the real profile has been fetched.
const placeholderID = "restoring"

// User is the summary of an account as returned by the backend. The SDK
// never interprets any field beyond ID; everything else is display data.
type User struct {
	ID     string `json:"id,omitempty"`
	Name   string `json:"name,omitempty"`
	Email  string `json:"email,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

// Restoring returns the placeholder user installed while a stored credential
// is being re-validated. Authenticated UI can render immediately instead of
// flashing a logged-out state on every launch; the real profile replaces the
// placeholder once fetched.
func Restoring() *User {
	return &User{ID: placeholderID, Name: "Restoring..."}
}

// IsPlaceholder reports whether u is the cold-start restore placeholder.
func (u *User) IsPlaceholder() bool {
	return u != nil && u.ID == placeholderID
}

package global

// UserSession is the explicit session context handed to every engine
// component. Nothing reads the current user from ambient globals.
type UserSession struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

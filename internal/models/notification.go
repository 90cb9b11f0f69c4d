package models

// NoticeKind selects the message a notifier renders
type NoticeKind string

const (
	// NoticeExistingAccount is sent when someone registers with an identity
	// that already belongs to an account. It never says which field matched.
	NoticeExistingAccount NoticeKind = "existing_account"

	NoticeResetInstructions        NoticeKind = "reset_instructions"
	NoticeConfirmationInstructions NoticeKind = "confirmation_instructions"
)

// SecurityFlags is the subset of security configuration templates may branch on
type SecurityFlags struct {
	Confirmable    bool `json:"confirmable"`
	Recoverable    bool `json:"recoverable"`
	UsernameEnable bool `json:"username_enable"`
	TwoFactor      bool `json:"two_factor"`
	UnifiedSignin  bool `json:"unified_signin"`
	WebAuthn       bool `json:"webauthn"`
}

// NotificationContext is the typed record handed to the notification
// collaborator. The core fills it in; rendering happens elsewhere.
type NotificationContext struct {
	Kind              NoticeKind    `json:"kind"`
	Recipient         string        `json:"recipient"`
	User              *User         `json:"user"`
	Security          SecurityFlags `json:"security"`
	ResetLink         string        `json:"reset_link,omitempty"`
	ResetToken        string        `json:"reset_token,omitempty"`
	ConfirmationLink  string        `json:"confirmation_link,omitempty"`
	ConfirmationToken string        `json:"confirmation_token,omitempty"`
}

package telegram

import (
	"encoding/json"
	"errors"
	"net/url"
	"strconv"
)

type WebAppUser struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
}

// LedgerID is the ledger user id for this Telegram account.
func (u *WebAppUser) LedgerID() string {
	return strconv.FormatInt(u.ID, 10)
}

// ParseUser decodes the "user" field of verified init data.
func ParseUser(values url.Values) (*WebAppUser, error) {
	raw := values.Get("user")
	if raw == "" {
		return nil, errors.New("init data has no user")
	}
	var user WebAppUser
	if err := json.Unmarshal([]byte(raw), &user); err != nil {
		return nil, err
	}
	if user.ID <= 0 {
		return nil, errors.New("init data user has no id")
	}
	return &user, nil
}

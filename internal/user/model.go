package user

import (
	"strconv"

	"chatsync/internal/chat"
)

type User struct {
	ID          int    `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName,omitempty"`
	Avatar      string `json:"avatar,omitempty"`
	Password    string `json:"-"`
}

// Profile is the public identity of u as the chat API exposes it.
func (u *User) Profile() chat.Profile {
	return chat.Profile{
		ID:          strconv.Itoa(u.ID),
		Username:    u.Username,
		DisplayName: u.DisplayName,
		Avatar:      u.Avatar,
	}
}

type RegisterRequest struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	DisplayName string `json:"displayName,omitempty"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	ID          string `json:"id"`
	Username    string `json:"username"`
}

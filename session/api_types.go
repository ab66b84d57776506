package session

// Wire types for the auth endpoints. These mirror the server's JSON contract
// and never leak outside this package.

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	User         struct {
		ID              string   `json:"id"`
		Email           string   `json:"email"`
		Name            string   `json:"name"`
		Roles           []string `json:"roles"`
		IsEmailVerified bool     `json:"isEmailVerified"`
	} `json:"user"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// refreshResponse may omit refreshToken, in which case the previous refresh
// token stays valid and is carried forward.
type refreshResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package access

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/devicecerts/core/logger"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

// HandleLoginRoute adds a route /auth/login POST to the router
//
// The route exchanges a username and password for a bearer token.
func HandleLoginRoute(router *mux.Router, accounts Accounts, issuer *TokenIssuer) {
	logger.Default().Debugln("login")
	logger.Default().Debugln("  handle route: /auth/login POST")
	router.HandleFunc("/auth/login", func(w http.ResponseWriter, r *http.Request) {
		rlog := logger.FromContext(r.Context())
		body, err := io.ReadAll(io.LimitReader(r.Body, 64*1024))
		if err != nil {
			http.Error(w, "cannot read body", http.StatusBadRequest)
			return
		}
		var req loginRequest
		if err := json.Unmarshal(body, &req); err != nil {
			http.Error(w, "invalid json data", http.StatusBadRequest)
			return
		}
		req.Username = strings.TrimSpace(req.Username)
		if len(req.Username) < 3 || len(req.Username) > 50 || len(req.Password) < 6 {
			http.Error(w, "username must have 3 to 50 characters and password at least 6", http.StatusBadRequest)
			return
		}

		auth, err := accounts.Verify(r.Context(), req.Username, req.Password)
		switch {
		case errors.Is(err, ErrInactiveAccount):
			http.Error(w, "inactive user", http.StatusBadRequest)
			return
		case errors.Is(err, ErrInvalidCredential):
			rlog.Infoln("failed login for", req.Username)
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "incorrect username or password", http.StatusUnauthorized)
			return
		case err != nil:
			rlog.WithError(err).Errorf("Error 4724: cannot verify account")
			http.Error(w, "Error 4724", http.StatusInternalServerError)
			return
		}

		token, err := issuer.IssueToken(auth.Identity, auth.Roles)
		if err != nil {
			rlog.WithError(err).Errorf("Error 4725: cannot issue token")
			http.Error(w, "Error 4725", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(loginResponse{AccessToken: token, TokenType: "bearer"})
	}).Methods(http.MethodPost)
}

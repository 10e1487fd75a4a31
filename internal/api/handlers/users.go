package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"firmware-depot/internal/auth"
	"firmware-depot/internal/storage"
	"firmware-depot/internal/util"
)

// UserHandler serves login, self-service and admin user management.
type UserHandler struct {
	Auth   auth.Auth
	Tokens *auth.TokenService
	Store  *storage.Manager
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string       `json:"token"`
	User  storage.User `json:"user"`
}

type passwordChangeRequest struct {
	OldPassword string `json:"oldPassword"`
	NewPassword string `json:"newPassword"`
}

type userRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

// Login godoc
// @Summary      Log in
// @Description  Exchange username and password for a signed bearer token
// @Tags         users
// @Accept       json
// @Produce      json
// @Param        body  body      loginRequest  true  "Credentials"
// @Success      200   {object}  loginResponse
// @Failure      401   {string}  string  "Invalid credentials"
// @Router       /login [post]
func (h *UserHandler) Login(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		util.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		util.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := h.Store.GetUser(r.Context(), req.Username)
	if err != nil || !auth.CheckPassword(user.Password, req.Password) {
		log.Warn().
			Str("username", req.Username).
			Str("remote_addr", r.RemoteAddr).
			Msg("Login failed")
		util.WriteError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := h.Tokens.Issue(user.ID, user.Username, user.Role)
	if err != nil {
		util.WriteError(w, http.StatusInternalServerError, "could not issue token")
		return
	}

	now := time.Now().UTC()
	user.LastLogin = &now
	if saved, err := h.Store.SaveUser(r.Context(), user); err == nil {
		user = saved
	} else {
		log.Warn().Err(err).Str("username", user.Username).Msg("Could not stamp last login")
	}

	log.Info().
		Str("username", user.Username).
		Str("role", user.Role).
		Msg("Login successful")
	util.WriteJSON(w, loginResponse{Token: token, User: user.Sanitized()})
}

// Self dispatches /api/user and /api/user/password for the caller's
// own account.
func (h *UserHandler) Self(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimSuffix(r.URL.Path, "/")
	switch {
	case path == "/api/user" && r.Method == http.MethodGet:
		h.Auth.Authenticated(h.currentUser)(w, r)
	case path == "/api/user/password" && r.Method == http.MethodPost:
		h.Auth.Authenticated(h.changePassword)(w, r)
	default:
		util.WriteError(w, http.StatusNotFound, "invalid user route")
	}
}

// currentUser godoc
// @Summary      Current user
// @Description  Get the account of the authenticated caller
// @Tags         users
// @Produce      json
// @Success      200  {object}  storage.User
// @Failure      404  {string}  string  "User not found"
// @Security     BearerAuth
// @Router       /user [get]
func (h *UserHandler) currentUser(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.IdentityFrom(r.Context())
	user, err := h.Store.GetUser(r.Context(), identity.Username)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	util.WriteJSON(w, user.Sanitized())
}

// changePassword godoc
// @Summary      Change own password
// @Description  Change the password of the authenticated caller after verifying the current one
// @Tags         users
// @Accept       json
// @Produce      json
// @Param        body  body      passwordChangeRequest  true  "Old and new password"
// @Success      200   {object}  map[string]bool
// @Failure      401   {string}  string  "Wrong current password"
// @Security     BearerAuth
// @Router       /user/password [post]
func (h *UserHandler) changePassword(w http.ResponseWriter, r *http.Request) {
	var req passwordChangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		util.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.NewPassword == "" {
		util.WriteError(w, http.StatusBadRequest, "new password is required")
		return
	}

	identity, _ := auth.IdentityFrom(r.Context())
	user, err := h.Store.GetUser(r.Context(), identity.Username)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if !auth.CheckPassword(user.Password, req.OldPassword) {
		util.WriteError(w, http.StatusUnauthorized, "wrong current password")
		return
	}

	hash, err := h.Tokens.HashPassword(req.NewPassword)
	if err != nil {
		util.WriteError(w, http.StatusInternalServerError, "could not hash password")
		return
	}
	user.Password = hash
	if _, err := h.Store.SaveUser(r.Context(), user); err != nil {
		writeStoreError(w, err)
		return
	}

	log.Info().Str("username", user.Username).Msg("Password changed")
	util.WriteJSON(w, map[string]any{"changed": true})
}

// Admin dispatches /api/users and /api/users/{username}. Every route
// requires the admin role.
func (h *UserHandler) Admin(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/api/users"), "/")
	if path == "" {
		switch r.Method {
		case http.MethodGet:
			h.Auth.RequireRole(auth.RoleAdmin, h.listUsers)(w, r)
		case http.MethodPost:
			h.Auth.RequireRole(auth.RoleAdmin, h.createUser)(w, r)
		default:
			util.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
		return
	}

	username := strings.TrimPrefix(path, "/")
	if username == "" || strings.Contains(username, "/") {
		util.WriteError(w, http.StatusNotFound, "invalid user route")
		return
	}

	h.Auth.RequireRole(auth.RoleAdmin, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPut:
			h.updateUser(w, r, username)
		case http.MethodDelete:
			h.deleteUser(w, r, username)
		default:
			util.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	})(w, r)
}

// listUsers godoc
// @Summary      List users
// @Tags         users
// @Produce      json
// @Success      200  {array}  storage.User
// @Security     BearerAuth
// @Router       /users [get]
func (h *UserHandler) listUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.Store.GetAllUsers(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	out := make([]storage.User, 0, len(users))
	for _, u := range users {
		out = append(out, u.Sanitized())
	}
	util.WriteJSON(w, out)
}

// createUser godoc
// @Summary      Create user
// @Tags         users
// @Accept       json
// @Produce      json
// @Param        body  body      userRequest  true  "New account"
// @Success      201   {object}  storage.User
// @Failure      400   {string}  string  "Missing fields or unknown role"
// @Failure      409   {string}  string  "Username taken"
// @Security     BearerAuth
// @Router       /users [post]
func (h *UserHandler) createUser(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		util.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		util.WriteError(w, http.StatusBadRequest, "username and password are required")
		return
	}
	if !auth.IsValidRole(req.Role) {
		util.WriteError(w, http.StatusBadRequest, "unknown role")
		return
	}

	if _, err := h.Store.GetUser(r.Context(), req.Username); err == nil {
		util.WriteError(w, http.StatusConflict, "username already taken")
		return
	} else if !errors.Is(err, storage.ErrNotFound) {
		writeStoreError(w, err)
		return
	}

	hash, err := h.Tokens.HashPassword(req.Password)
	if err != nil {
		util.WriteError(w, http.StatusInternalServerError, "could not hash password")
		return
	}

	user := storage.User{
		ID:       uuid.NewString(),
		Username: req.Username,
		Password: hash,
		Role:     req.Role,
	}
	saved, err := h.Store.SaveUser(r.Context(), user)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	log.Info().
		Str("username", saved.Username).
		Str("role", saved.Role).
		Msg("User created")
	util.WriteJSONStatus(w, http.StatusCreated, saved.Sanitized())
}

// updateUser godoc
// @Summary      Update user
// @Description  Change the role or password of an account
// @Tags         users
// @Accept       json
// @Produce      json
// @Param        username  path      string       true  "Username"
// @Param        body      body      userRequest  true  "Fields to change"
// @Success      200       {object}  storage.User
// @Failure      404       {string}  string  "User not found"
// @Security     BearerAuth
// @Router       /users/{username} [put]
func (h *UserHandler) updateUser(w http.ResponseWriter, r *http.Request, username string) {
	var req userRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		util.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := h.Store.GetUser(r.Context(), username)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	if req.Role != "" {
		if !auth.IsValidRole(req.Role) {
			util.WriteError(w, http.StatusBadRequest, "unknown role")
			return
		}
		user.Role = req.Role
	}
	if req.Password != "" {
		hash, err := h.Tokens.HashPassword(req.Password)
		if err != nil {
			util.WriteError(w, http.StatusInternalServerError, "could not hash password")
			return
		}
		user.Password = hash
	}

	saved, err := h.Store.SaveUser(r.Context(), user)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	log.Info().Str("username", saved.Username).Msg("User updated")
	util.WriteJSON(w, saved.Sanitized())
}

// deleteUser godoc
// @Summary      Delete user
// @Tags         users
// @Produce      json
// @Param        username  path      string           true  "Username"
// @Success      200       {object}  map[string]bool  "Deletion confirmation"
// @Failure      404       {string}  string  "User not found"
// @Security     BearerAuth
// @Router       /users/{username} [delete]
func (h *UserHandler) deleteUser(w http.ResponseWriter, r *http.Request, username string) {
	identity, _ := auth.IdentityFrom(r.Context())
	if identity.Username == username {
		util.WriteError(w, http.StatusBadRequest, "cannot delete own account")
		return
	}

	deleted, err := h.Store.DeleteUser(r.Context(), username)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if !deleted {
		util.WriteError(w, http.StatusNotFound, "user not found")
		return
	}

	log.Info().Str("username", username).Msg("User deleted")
	util.WriteJSON(w, map[string]any{"deleted": true})
}

package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"taskhub/models"

	"github.com/rohanthewiz/logger"
	"github.com/rohanthewiz/rweb"
	"github.com/rohanthewiz/serr"
)

// AuthResponse contains the user and token returned on successful authentication
type AuthResponse struct {
	User  models.UserOutput `json:"user"`
	Token string            `json:"token"`
}

// Register creates a new user account and returns a JWT token.
// POST /api/v1/auth/register
//
// Request body:
//
//	{
//	  "name": "robin",
//	  "password": "SecurePass123!",
//	  "email": "robin@example.com"   // optional
//	}
//
// Success (201):
//
//	{ "success": true, "data": { "user": {...}, "token": "..." } }
//
// Errors:
//   - 400: Invalid input (missing name, weak password)
//   - 409: Name already exists
func Register(ctx rweb.Context) error {
	var input models.UserRegisterInput
	if err := json.Unmarshal(ctx.Request().Body(), &input); err != nil {
		return writeError(ctx, http.StatusBadRequest, "invalid request body")
	}

	if input.Name == "" {
		return writeError(ctx, http.StatusBadRequest, "name is required")
	}
	if input.Password == "" {
		return writeError(ctx, http.StatusBadRequest, "password is required")
	}

	user, err := models.RegisterUser(input)
	if err != nil {
		errMsg := err.Error()
		if strings.Contains(errMsg, "already exists") {
			return writeError(ctx, http.StatusConflict, errMsg)
		}
		if strings.Contains(errMsg, "must be") || strings.Contains(errMsg, "required") {
			return writeError(ctx, http.StatusBadRequest, errMsg)
		}
		logger.LogErr(serr.Wrap(err, "failed to register user"), "name", input.Name)
		return writeError(ctx, http.StatusInternalServerError, "failed to register user")
	}

	token, err := models.GenerateToken(user)
	if err != nil {
		logger.LogErr(serr.Wrap(err, "failed to generate token"), "user_id", user.ID)
		return writeError(ctx, http.StatusInternalServerError, "failed to generate token")
	}

	return writeSuccess(ctx, http.StatusCreated, AuthResponse{
		User:  user.ToOutput(),
		Token: token,
	})
}

// Login authenticates a user and returns a JWT token.
// POST /api/v1/auth/login
//
// Request body: { "name": "robin", "password": "SecurePass123!" }
func Login(ctx rweb.Context) error {
	var input struct {
		Name     string `json:"name"`
		Password string `json:"password"`
	}
	if err := json.Unmarshal(ctx.Request().Body(), &input); err != nil {
		return writeError(ctx, http.StatusBadRequest, "invalid request body")
	}

	if input.Name == "" {
		return writeError(ctx, http.StatusBadRequest, "name is required")
	}
	if input.Password == "" {
		return writeError(ctx, http.StatusBadRequest, "password is required")
	}

	user, err := models.Authenticate(input.Name, input.Password)
	if err != nil {
		// Don't reveal whether the name exists
		return writeError(ctx, http.StatusUnauthorized, "invalid credentials")
	}

	token, err := models.GenerateToken(user)
	if err != nil {
		logger.LogErr(serr.Wrap(err, "failed to generate token"), "user_id", user.ID)
		return writeError(ctx, http.StatusInternalServerError, "failed to generate token")
	}

	return writeSuccess(ctx, http.StatusOK, AuthResponse{
		User:  user.ToOutput(),
		Token: token,
	})
}

// GetCurrentUser returns the authenticated user's profile.
// GET /api/v1/auth/me
func GetCurrentUser(ctx rweb.Context) error {
	userID := GetCurrentUserID(ctx)
	if userID == 0 {
		return writeError(ctx, http.StatusUnauthorized, "authentication required")
	}

	user, err := models.GetUserByID(userID)
	if err != nil {
		logger.LogErr(serr.Wrap(err, "failed to get user"), "user_id", userID)
		return writeError(ctx, http.StatusInternalServerError, "failed to get user")
	}
	if user == nil || user.Deleted() {
		return writeError(ctx, http.StatusUnauthorized, "user not found")
	}

	return writeSuccess(ctx, http.StatusOK, user.ToOutput())
}

// RefreshToken generates a new JWT token for the authenticated user.
// POST /api/v1/auth/refresh
func RefreshToken(ctx rweb.Context) error {
	userID := GetCurrentUserID(ctx)
	if userID == 0 {
		return writeError(ctx, http.StatusUnauthorized, "authentication required")
	}

	user, err := models.GetUserByID(userID)
	if err != nil {
		logger.LogErr(serr.Wrap(err, "failed to get user"), "user_id", userID)
		return writeError(ctx, http.StatusInternalServerError, "failed to get user")
	}
	if user == nil || user.Deleted() {
		return writeError(ctx, http.StatusUnauthorized, "user not found")
	}
	if !user.Enabled {
		return writeError(ctx, http.StatusForbidden, "account is disabled")
	}

	token, err := models.GenerateToken(user)
	if err != nil {
		logger.LogErr(serr.Wrap(err, "failed to generate token"), "user_id", user.ID)
		return writeError(ctx, http.StatusInternalServerError, "failed to generate token")
	}

	return writeSuccess(ctx, http.StatusOK, map[string]string{"token": token})
}

// GetCurrentUserID extracts the user id from the request context.
// Returns zero if not authenticated.
func GetCurrentUserID(ctx rweb.Context) int64 {
	id, _ := ctx.Get("user_id").(int64)
	return id
}

// IsAuthenticated checks if the request has valid authentication.
func IsAuthenticated(ctx rweb.Context) bool {
	auth, _ := ctx.Get("authenticated").(bool)
	return auth
}

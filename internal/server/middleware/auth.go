package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/casetrace/backend/pkg/common"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

const (
	PermIngest       = "records.ingest"
	PermViewRecords  = "records.view"
	PermViewEntities = "entities.view"
	PermReviewMerges = "entities.review"
	PermViewAudit    = "audit.view"
)

var allPermissions = []string{
	PermIngest,
	PermViewRecords,
	PermViewEntities,
	PermReviewMerges,
	PermViewAudit,
}

func unauthorized(c echo.Context) error {
	return c.JSON(http.StatusUnauthorized, map[string]string{"message": "Unauthorized"})
}

func AuthMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		authHeader := c.Request().Header.Get("Authorization")
		if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
			return unauthorized(c)
		}

		token := strings.TrimPrefix(authHeader, "Bearer ")
		ac := c.(*AppContext)
		app := ac.App

		// Master API Key bypass
		if app.MasterAPIKey != "" && token == app.MasterAPIKey {
			ac.User = &AppUser{
				UserID:      "master",
				Role:        "admin",
				Permissions: allPermissions,
				Scope:       common.AllowAll(),
			}
			return next(c)
		}

		if app.Key == nil {
			return unauthorized(c)
		}
		k := *app.Key
		parsed, err := jwt.Parse(token, k.Keyfunc)
		if err != nil || !parsed.Valid {
			return unauthorized(c)
		}

		claims, ok := parsed.Claims.(jwt.MapClaims)
		if !ok {
			return unauthorized(c)
		}

		user, err := userFromClaims(claims)
		if err != nil {
			return c.JSON(http.StatusUnauthorized, map[string]string{"message": err.Error()})
		}
		ac.User = user
		return next(c)
	}
}

type claimError string

func (e claimError) Error() string { return string(e) }

func stringList(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

// userFromClaims reads the user id, role, permissions and case scope. The
// scope comes from "case_files" (files or directory prefixes ending in "/")
// and "all_cases"; admins without case claims see every case.
func userFromClaims(claims jwt.MapClaims) (*AppUser, error) {
	var userID string
	switch id := claims["id"].(type) {
	case string:
		if id == "" {
			return nil, claimError("Invalid user ID")
		}
		userID = id
	case float64:
		userID = strconv.FormatInt(int64(id), 10)
	default:
		return nil, claimError("Invalid user ID")
	}

	role := "user"
	if roleClaim, ok := claims["role"].(string); ok {
		role = roleClaim
	}

	permissions := stringList(claims["permissions"])
	if role == "admin" && len(permissions) == 0 {
		permissions = allPermissions
	}

	scope := common.ScopeForFiles(stringList(claims["case_files"])...)
	if all, _ := claims["all_cases"].(bool); all {
		scope.All = true
	}
	if role == "admin" && scope.Empty() {
		scope = common.AllowAll()
	}
	for _, t := range stringList(claims["record_types"]) {
		scope.RecordTypes = append(scope.RecordTypes, common.RecordType(t))
	}

	return &AppUser{
		UserID:      userID,
		Role:        role,
		Permissions: permissions,
		Scope:       scope,
	}, nil
}

package routes

import (
	"net/http"

	"github.com/casetrace/backend/pkg/audit"

	"github.com/labstack/echo/v4"
)

func GetAuditHandler(c echo.Context) error {
	type auditParams struct {
		Operation string `query:"operation"`
		Affected  string `query:"affected"`
		Offset    int    `query:"offset" validate:"min=0"`
		Limit     int    `query:"limit" validate:"min=0,max=1000"`
	}

	params := new(auditParams)
	if err := c.Bind(params); err != nil {
		return badRequest(c, "Invalid request params")
	}
	if err := c.Validate(params); err != nil {
		return badRequest(c, "Invalid request params")
	}
	limit := params.Limit
	if limit == 0 {
		limit = 100
	}

	ac, _ := appContext(c)
	log := ac.App.Engine.Audit()
	entries := log.List(audit.Query{
		Operation: audit.Operation(params.Operation),
		Affected:  params.Affected,
		Offset:    params.Offset,
		Limit:     limit,
	})
	return c.JSON(http.StatusOK, map[string]any{"total": log.Len(), "entries": entries})
}

// VerifyAuditHandler checks the whole chain. A broken chain is reported in
// the body, not as a failed request.
func VerifyAuditHandler(c echo.Context) error {
	type verifyResponse struct {
		Valid   bool   `json:"valid"`
		Entries int    `json:"entries"`
		Error   string `json:"error,omitempty"`
	}

	ac, _ := appContext(c)
	log := ac.App.Engine.Audit()
	res := verifyResponse{Valid: true, Entries: log.Len()}
	if err := log.Verify(); err != nil {
		res.Valid = false
		res.Error = err.Error()
	}
	return c.JSON(http.StatusOK, res)
}

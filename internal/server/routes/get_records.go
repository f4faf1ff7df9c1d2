package routes

import (
	"net/http"

	"github.com/casetrace/backend/pkg/common"

	"github.com/labstack/echo/v4"
)

func GetRecordHandler(c echo.Context) error {
	ac, user := appContext(c)
	rec, err := ac.App.Engine.Get(c.Request().Context(), common.RecordID(c.Param("id")), user.Scope)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, rec)
}

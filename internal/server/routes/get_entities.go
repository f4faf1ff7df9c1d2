package routes

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

func GetEntityHandler(c echo.Context) error {
	id, err := entityParam(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	ac, user := appContext(c)
	view, err := ac.App.Engine.Entity(id, user.Scope)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, view)
}

// GetEntityTimelineHandler lists the edges of an entity by first sighting,
// optionally bounded by the from and to query parameters.
func GetEntityTimelineHandler(c echo.Context) error {
	id, err := entityParam(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	from, err := timeParam(c, "from")
	if err != nil {
		return badRequest(c, err.Error())
	}
	to, err := timeParam(c, "to")
	if err != nil {
		return badRequest(c, err.Error())
	}
	if !from.IsZero() && !to.IsZero() && from.After(to) {
		return badRequest(c, "from is after to")
	}

	ac, user := appContext(c)
	edges, err := ac.App.Engine.Timeline(id, from, to, user.Scope)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"entity_id": id, "edges": edges})
}

func GetEntityNeighborsHandler(c echo.Context) error {
	id, err := entityParam(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	at, err := timeParam(c, "at")
	if err != nil {
		return badRequest(c, err.Error())
	}

	ac, user := appContext(c)
	neighbors, err := ac.App.Engine.Neighbors(id, at, user.Scope)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"entity_id": id, "neighbors": neighbors})
}

func GetEntityRiskHandler(c echo.Context) error {
	id, err := entityParam(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	at, err := timeParam(c, "at")
	if err != nil {
		return badRequest(c, err.Error())
	}

	ac, user := appContext(c)
	risk, err := ac.App.Engine.Risk(id, at, user.Scope)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, risk)
}

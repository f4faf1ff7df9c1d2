package middleware

import (
	"github.com/casetrace/backend/pkg/common"
	"github.com/casetrace/backend/pkg/engine"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/labstack/echo/v4"
	"github.com/rabbitmq/amqp091-go"
)

type AppUser struct {
	UserID      string
	Role        string
	Permissions []string
	// Scope is the set of records the user may see.
	Scope common.Scope
}

// Actor names the user in audit entries.
func (u *AppUser) Actor() string {
	if u == nil {
		return "anonymous"
	}
	return "user:" + u.UserID
}

type App struct {
	Engine *engine.Engine
	// Queue is nil when asynchronous ingestion is disabled.
	Queue *amqp091.Channel
	// Key is nil when only the master API key is accepted.
	Key          *keyfunc.Keyfunc
	MasterAPIKey string
}

type AppContext struct {
	echo.Context
	App  *App
	User *AppUser
}

func AppContextMiddleware(app *App) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			cc := &AppContext{c, app, nil}
			return next(cc)
		}
	}
}

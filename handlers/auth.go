package handlers

import (
	"errors"
	"fmt"
	"math"
	"net/http"

	"go.uber.org/zap"

	"harei/backend"
	"harei/session"
	"harei/utils"
)

const (
	msgLoginMissing = "请输入用户名和密码。"
	msgLoginWrong   = "用户名或密码错误"
	msgLoginFailed  = "登录请求失败"
)

func renderLogin(w http.ResponseWriter, r *http.Request, app App, username, loginErr string) {
	render(w, r, app, "layout.html", "login.html", map[string]any{
		"Title":    "登录",
		"Username": username,
		"Error":    loginErr,
	})
}

// HandleLoginPage shows the sign-in form, or goes straight to the console when
// the stored credential is still good.
func HandleLoginPage(w http.ResponseWriter, r *http.Request, app App) {
	if app.Guard().Resume(r.Context(), clientID(r)) {
		http.Redirect(w, r, "/admin", http.StatusFound)
		return
	}
	renderLogin(w, r, app, "", "")
}

// HandleLogin exchanges the submitted credentials for a stored token.
func HandleLogin(w http.ResponseWriter, r *http.Request, app App) {
	logger := app.Logger().With(zap.String("handler", "HandleLogin"))
	username := r.FormValue("username")
	password := r.FormValue("password")

	if wait := app.RateLimiter().RetryAfter("login:" + utils.GetIPAddress(r)); wait > 0 {
		renderLogin(w, r, app, username, fmt.Sprintf("尝试过于频繁，请%d秒后再试", int(math.Ceil(wait.Seconds()))))
		return
	}

	_, err := app.Guard().Login(r.Context(), clientID(r), username, password)
	if err != nil {
		var apiErr *backend.APIError
		switch {
		case errors.Is(err, session.ErrMissingLogin):
			renderLogin(w, r, app, username, msgLoginMissing)
		case errors.As(err, &apiErr):
			renderLogin(w, r, app, username, apiErr.UserMessage(msgLoginWrong))
		default:
			logger.Warn("Login request failed", zap.Error(err))
			renderLogin(w, r, app, username, msgLoginFailed)
		}
		return
	}
	app.Inboxes().UnmountClient(clientID(r))
	http.Redirect(w, r, "/admin", http.StatusSeeOther)
}

// HandleLogout forgets the credential and releases the client's workspaces.
func HandleLogout(w http.ResponseWriter, r *http.Request, app App) {
	if err := app.Guard().Logout(r.Context(), clientID(r)); err != nil {
		app.Logger().Error("Failed to clear credential", zap.String("client", clientID(r)), zap.Error(err))
	}
	app.Inboxes().UnmountClient(clientID(r))
	http.Redirect(w, r, "/login", http.StatusSeeOther)
}

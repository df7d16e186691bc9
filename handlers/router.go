package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// SetupRouter wires every route. The returned handler still needs the
// client, CSRF and security header middleware around it.
func SetupRouter(app App) *chi.Mux {
	mux := chi.NewRouter()

	mux.Use(middleware.RequestID)
	mux.Use(middleware.RealIP)
	mux.Use(NewStructuredLogger(app.Logger()))
	mux.Use(middleware.Recoverer)

	// Static file server
	mux.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.Dir("./static"))))

	// Public pages
	mux.Get("/", MakeHandler(app, HandleHome))
	mux.Get("/api/live", MakeHandler(app, HandleLiveStatus))
	mux.Get("/box", MakeHandler(app, HandleBoxPage))
	mux.Post("/box", MakeHandler(app, HandleBoxSubmit))
	mux.Get("/captaingift", MakeHandler(app, HandleCaptainGiftPage))
	mux.Get("/api/captaingift-image", MakeHandler(app, HandleCaptainGiftImage))
	mux.Get("/huangdou", MakeHandler(app, HandleLeaderboard))

	// Session
	mux.Get("/login", MakeHandler(app, HandleLoginPage))
	mux.Post("/login", MakeHandler(app, HandleLogin))
	mux.Post("/logout", MakeHandler(app, HandleLogout))

	// Background settings
	mux.Post("/settings/background", MakeHandler(app, HandleBackgroundToggle))
	mux.Get("/events/background", MakeHandler(app, HandleBackgroundEvents))

	// Admin console
	mux.Route("/admin", func(r chi.Router) {
		r.Use(RequireSession(app))
		r.Get("/", MakeHandler(app, HandleDashboard))
		r.Get("/blob/{handle}", MakeHandler(app, HandleBlob))

		r.Route("/{view:message|audit}", func(r chi.Router) {
			r.Get("/", MakeHandler(app, HandleInboxPage))
			r.Get("/state", MakeHandler(app, HandleInboxState))
			r.Post("/select", MakeHandler(app, HandleInboxSelect))
			r.Post("/delete", MakeHandler(app, HandleInboxDelete))
			r.Post("/bulk", MakeHandler(app, HandleInboxBulk))
			r.Post("/viewer/{op}", MakeHandler(app, HandleViewerEvent))
			r.Post("/release", MakeHandler(app, HandleInboxRelease))
		})

		r.Get("/tag", MakeHandler(app, HandleTagPage))
		r.Post("/tag/add", MakeHandler(app, HandleTagAdd))
		r.Post("/tag/archive", MakeHandler(app, HandleTagArchive))

		r.Get("/download", MakeHandler(app, HandleDownloadPage))
		r.Post("/download", MakeHandler(app, HandleDownloadAdd))

		r.Get("/captaingift", MakeHandler(app, HandleGiftPage))
		r.Post("/captaingift", MakeHandler(app, HandleGiftUpload))

		r.Get("/captains", MakeHandler(app, HandleCaptains))
		r.Get("/captains/xlsx", MakeHandler(app, HandleCaptainsSheet))
	})

	return mux
}

package handler

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"docvault/internal/service"
)

// RegisterRoutes attaches HTTP routes to the provided Fiber app. Routes
// under /documents go through auth; health, metrics and signed downloads
// do not.
func RegisterRoutes(app *fiber.App, catalog Pinger, docSvc service.DocumentService, auth fiber.Handler, gatherer prometheus.Gatherer) {
	app.Get("/health", HealthCheck(catalog))
	app.Get("/healthz", LivenessProbe())
	if gatherer != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	app.Get("/downloads/:token", Download(docSvc))

	docs := app.Group("/documents", auth)
	docs.Get("/", ListDocuments(docSvc))
	docs.Post("/", UploadDocument(docSvc))
	docs.Get("/:id", GetDocument(docSvc))
	docs.Get("/:id/content", GetDocumentContent(docSvc))
	docs.Post("/:id/links", CreateLink(docSvc))
	docs.Get("/:id/ciphertext-url", CiphertextURL(docSvc))
	docs.Delete("/:id", DeleteDocument(docSvc))
}

package server

import (
	"net/http"
	"os"
	"path"
	"path/filepath"

	"github.com/gin-gonic/gin"
)

const staticCacheControl = "public, max-age=31536000, immutable"

// registerStaticRoutes serves the web client from root. Stylesheets and assets are
// fingerprinted and cached for a year; pages are resolved under root/html.
func registerStaticRoutes(router *gin.Engine, root string) {
	longCache := func(c *gin.Context) {
		c.Header("Cache-Control", staticCacheControl)
		c.Next()
	}
	router.Group("/css", longCache).Static("/", filepath.Join(root, "css"))
	router.Group("/assets", longCache).Static("/", filepath.Join(root, "assets"))

	pages := filepath.Join(root, "html")
	router.GET("/", func(c *gin.Context) {
		servePage(c, pages, "homepage.html")
	})
	router.NoRoute(func(c *gin.Context) {
		if c.Request.Method != http.MethodGet && c.Request.Method != http.MethodHead {
			notFound(c)
			return
		}
		servePage(c, pages, c.Request.URL.Path)
	})
}

func servePage(c *gin.Context, pages, requestPath string) {
	cleaned := path.Clean("/" + requestPath)
	target := filepath.Join(pages, filepath.FromSlash(cleaned))
	info, err := os.Stat(target)
	if err != nil || info.IsDir() {
		notFound(c)
		return
	}
	c.File(target)
}

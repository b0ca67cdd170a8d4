// Package mockserver is the deterministic staging target that api, browser,
// perf, and seo executors run against. Every route serves fixture data so
// repeated runs produce identical artifacts.
package mockserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// Options tunes the fixture server.
type Options struct {
	// Addr is the listen address. Empty binds 127.0.0.1 on an ephemeral port.
	Addr string
	// CanonicalBase overrides the origin used in canonical link tags. The
	// default is the server's own base URL; pointing it elsewhere lets SEO
	// tests exercise canonical mismatches.
	CanonicalBase string
}

// Server hosts the staging fixtures.
type Server struct {
	opts   Options
	engine *gin.Engine
	http   *http.Server
	lis    net.Listener
}

// Product is one catalog fixture row.
type Product struct {
	ID       string  `json:"id"`
	Title    string  `json:"title"`
	Category string  `json:"category"`
	PriceUSD float64 `json:"price_usd"`
}

// catalog is the fixed product fixture served by /products and /search.
var catalog = []Product{
	{ID: "p-001", Title: "Mechanical Keyboard", Category: "peripherals", PriceUSD: 89.00},
	{ID: "p-002", Title: "Trackball Mouse", Category: "peripherals", PriceUSD: 49.50},
	{ID: "p-003", Title: "4K Monitor", Category: "displays", PriceUSD: 329.99},
	{ID: "p-004", Title: "Portable Monitor", Category: "displays", PriceUSD: 179.00},
	{ID: "p-005", Title: "USB-C Dock", Category: "accessories", PriceUSD: 119.00},
	{ID: "p-006", Title: "Laptop Stand", Category: "accessories", PriceUSD: 39.00},
}

// New builds the server with its routes registered but not listening.
func New(opts Options) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{opts: opts, engine: engine}

	engine.GET("/health", s.health)
	engine.GET("/products", s.listProducts)
	engine.GET("/products/:id", s.getProduct)
	engine.GET("/search", s.search)
	engine.GET("/cart", s.getCart)
	engine.POST("/cart", s.addToCart)
	engine.POST("/checkout", s.checkout)

	// Static pages with SEO metadata for audit fixtures.
	engine.GET("/", s.page("Home", "Swarm fixture storefront for staging checks.", ""))
	engine.GET("/about", s.page("About", "Background on the fixture storefront.", ""))
	engine.GET("/pricing", s.page("Pricing", "Plans and pricing for the fixture storefront.", "/missing-page"))

	return s
}

// Start binds the listener and serves in the background. The listener is
// bound synchronously so BaseURL is valid once Start returns.
func (s *Server) Start(ctx context.Context) error {
	addr := s.opts.Addr
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("binding staging listener: %w", err)
	}
	s.lis = lis
	s.http = &http.Server{Handler: s.engine}
	go func() {
		if err := s.http.Serve(lis); err != nil && err != http.ErrServerClosed {
			// Serve errors after shutdown are expected; anything else is
			// surfaced through failed health checks.
			_ = err
		}
	}()
	return s.waitReady(ctx)
}

// waitReady polls /health until the server answers or ctx expires.
func (s *Server) waitReady(ctx context.Context) error {
	client := &http.Client{Timeout: time.Second}
	url := s.BaseURL() + "/health"
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("staging server not ready: %w", ctx.Err())
		case <-time.After(25 * time.Millisecond):
		}
	}
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// BaseURL returns the http origin of the bound listener.
func (s *Server) BaseURL() string {
	if s.lis == nil {
		return ""
	}
	return "http://" + s.lis.Addr().String()
}

// Port returns the bound TCP port.
func (s *Server) Port() int {
	if s.lis == nil {
		return 0
	}
	return s.lis.Addr().(*net.TCPAddr).Port
}

func (s *Server) canonicalBase() string {
	if s.opts.CanonicalBase != "" {
		return strings.TrimSuffix(s.opts.CanonicalBase, "/")
	}
	return s.BaseURL()
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) listProducts(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"products": catalog, "count": len(catalog)})
}

func (s *Server) getProduct(c *gin.Context) {
	id := c.Param("id")
	for _, p := range catalog {
		if p.ID == id {
			c.JSON(http.StatusOK, p)
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "product not found", "id": id})
}

func (s *Server) search(c *gin.Context) {
	q := strings.ToLower(c.Query("q"))
	results := []Product{}
	for _, p := range catalog {
		if q == "" || strings.Contains(strings.ToLower(p.Title), q) || strings.Contains(p.Category, q) {
			results = append(results, p)
		}
	}
	c.JSON(http.StatusOK, gin.H{"query": c.Query("q"), "results": results, "count": len(results)})
}

type cartItem struct {
	ProductID string `json:"product_id" binding:"required"`
	Quantity  int    `json:"quantity" binding:"required,min=1"`
}

func (s *Server) getCart(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"items": []cartItem{}, "total_usd": 0})
}

func (s *Server) addToCart(c *gin.Context) {
	var item cartItem
	if err := c.ShouldBindJSON(&item); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	for _, p := range catalog {
		if p.ID == item.ProductID {
			c.JSON(http.StatusOK, gin.H{
				"items":     []gin.H{{"product_id": p.ID, "quantity": item.Quantity, "subtotal_usd": p.PriceUSD * float64(item.Quantity)}},
				"total_usd": p.PriceUSD * float64(item.Quantity),
			})
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "product not found", "id": item.ProductID})
}

type checkoutRequest struct {
	ProductID string `json:"product_id" binding:"required"`
	Quantity  int    `json:"quantity" binding:"required,min=1"`
	Email     string `json:"email" binding:"required,email"`
}

func (s *Server) checkout(c *gin.Context) {
	var req checkoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	for _, p := range catalog {
		if p.ID == req.ProductID {
			c.JSON(http.StatusOK, gin.H{
				"order_id":  fmt.Sprintf("ORD-%s-%d", p.ID, req.Quantity),
				"status":    "confirmed",
				"total_usd": p.PriceUSD * float64(req.Quantity),
			})
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "product not found", "id": req.ProductID})
}

// page renders a fixture HTML page with title, description, OG tags, and a
// canonical link. brokenHref, when set, embeds a link to a missing page.
func (s *Server) page(title, description, brokenHref string) gin.HandlerFunc {
	return func(c *gin.Context) {
		canonical := s.canonicalBase() + c.Request.URL.Path
		extra := ""
		if brokenHref != "" {
			extra = fmt.Sprintf(`<p><a href=%q>Archived plans</a></p>`, brokenHref)
		}
		html := fmt.Sprintf(`<!DOCTYPE html>
<html lang="en">
<head>
<title>%[1]s | Swarm Fixtures</title>
<meta name="description" content=%[2]q>
<meta property="og:title" content=%[1]q>
<meta property="og:type" content="website">
<meta property="og:image" content="%[3]s/static/og.png">
<link rel="canonical" href=%[4]q>
</head>
<body>
<h1>%[1]s</h1>
<p>%[2]s</p>
<nav><a href="/">Home</a> <a href="/about">About</a> <a href="/pricing">Pricing</a></nav>
%[5]s
</body>
</html>`, title, description, s.canonicalBase(), canonical, extra)
		c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(html))
	}
}

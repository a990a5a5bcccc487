// Package httpapi implements spec.md §4.7/§6.1's HTTP surface plus the
// websocket upgrade that feeds new connections to the Gateway. Grounded
// on the teacher's internal/adapters/http/router.go (gin.New +
// Recovery + gin-contrib/sessions wiring) and internal/transport/http's
// handler shapes.
package httpapi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/sfucore/sfu/internal/auth"
	"github.com/sfucore/sfu/internal/channel"
	"github.com/sfucore/sfu/internal/gateway"
	"github.com/sfucore/sfu/internal/link/wslink"
	"github.com/sfucore/sfu/internal/process"
)

const bearerPrefix = "jwt "

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// NewRouter builds the gin.Engine serving spec.md §6.1's endpoints, with
// the duplex link upgrade mounted at /v1/ws.
func NewRouter(proc *process.Process, gw *gateway.Gateway) *gin.Engine {
	if proc.Config.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Recovery())
	if proc.Config.Mode == "debug" {
		r.Use(gin.Logger())
	}

	// A signed cookie session holds nothing sensitive today; it exists so
	// that a future proxy-trust decision can be pinned to a stable client
	// identity the way the teacher's ClientTokenMiddleware does, per
	// SPEC_FULL.md's DOMAIN STACK table.
	store := cookie.NewStore(proc.Config.AuthKey)
	r.Use(sessions.Sessions("sfu_proxy_trust", store))

	v1 := r.Group("/v1")
	v1.GET("/noop", handleNoop)
	v1.GET("/healthz", handleHealthz(proc))
	v1.GET("/stats", handleStats(proc))
	v1.GET("/channel", handleCreateChannel(proc))
	v1.POST("/disconnect", handleDisconnect(proc))
	v1.GET("/ws", handleWebsocket(gw))

	r.NoRoute(func(c *gin.Context) { c.Status(http.StatusNotFound) })
	r.NoMethod(func(c *gin.Context) { c.Status(http.StatusMethodNotAllowed) })

	return r
}

func handleNoop(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"result": "ok"})
}

// handleHealthz reports whether the Supervisor has completed its start
// sequence, for load balancer / orchestrator readiness probes
// (SPEC_FULL.md §6, supplemented beyond spec.md).
func handleHealthz(proc *process.Process) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !proc.Ready() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "starting"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

func handleStats(proc *process.Process) gin.HandlerFunc {
	return func(c *gin.Context) {
		channels := proc.Channels.All()
		stats := make([]channel.Stats, 0, len(channels))
		for _, ch := range channels {
			stats = append(stats, ch.GetStats())
		}
		c.JSON(http.StatusOK, stats)
	}
}

func handleCreateChannel(proc *process.Process) gin.HandlerFunc {
	return func(c *gin.Context) {
		authz := c.GetHeader("Authorization")
		if len(authz) <= len(bearerPrefix) || authz[:len(bearerPrefix)] != bearerPrefix {
			c.Status(http.StatusUnauthorized)
			return
		}
		token := authz[len(bearerPrefix):]

		claims, err := auth.Verify(token, proc.Config.AuthKey)
		if err != nil {
			c.Status(http.StatusUnauthorized)
			return
		}
		if claims.Issuer == "" {
			c.Status(http.StatusForbidden)
			return
		}

		var key []byte
		if claims.KeyB64 != "" {
			k, err := auth.Key(claims.KeyB64)
			if err != nil {
				c.Status(http.StatusInternalServerError)
				return
			}
			key = k
		}

		useWebRtc := true
		if v := c.Query("webRTC"); v != "" {
			useWebRtc, _ = strconv.ParseBool(v)
		}

		ch, err := proc.Channels.Create(context.Background(), remoteAddress(proc, c), claims.Issuer, channel.CreateOptions{
			Key:       key,
			UseWebRtc: useWebRtc,
		})
		if err != nil {
			log.Error().Err(err).Str("module", "httpapi").Msg("create channel failed")
			c.Status(http.StatusInternalServerError)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"uuid": ch.UUID(),
			"url":  fmt.Sprintf("%s://%s", scheme(proc, c), host(proc, c)),
		})
	}
}

func handleDisconnect(proc *process.Process) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.Status(http.StatusUnprocessableEntity)
			return
		}

		claims, err := auth.Verify(string(body), proc.Config.AuthKey)
		if err != nil {
			c.Status(http.StatusUnprocessableEntity)
			return
		}

		remote := remoteAddress(proc, c)
		for uuid, sessionIDs := range claims.SessionIDsByChannel {
			ch, ok := proc.Channels.Lookup(uuid)
			if !ok {
				continue
			}
			// Corrected form of spec.md §9's open question: the source
			// compared !remoteAddress === remoteAddress (always false),
			// which this implementation replaces with a real equality
			// check.
			if ch.RemoteAddress() != remote {
				continue
			}
			for _, sid := range sessionIDs {
				ch.Kick(sid)
			}
		}
		c.Status(http.StatusOK)
	}
}

func handleWebsocket(gw *gateway.Gateway) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Error().Err(err).Str("module", "httpapi").Msg("websocket upgrade failed")
			return
		}
		gw.HandleConnection(wslink.New(conn))
	}
}

// remoteAddress honors x-forwarded-for when the process is configured
// behind a proxy, matching the teacher's proxy-aware host resolution
// (spec.md §6.1's proxy handling paragraph).
func remoteAddress(proc *process.Process, c *gin.Context) string {
	if proc.Config.Proxy {
		if v := c.GetHeader("x-forwarded-for"); v != "" {
			return v
		}
	}
	return c.ClientIP()
}

func scheme(proc *process.Process, c *gin.Context) string {
	if proc.Config.Proxy {
		if v := c.GetHeader("x-forwarded-proto"); v != "" {
			return v
		}
	}
	if c.Request.TLS != nil {
		return "https"
	}
	return "http"
}

func host(proc *process.Process, c *gin.Context) string {
	if proc.Config.Proxy {
		if v := c.GetHeader("x-forwarded-host"); v != "" {
			return v
		}
	}
	return c.Request.Host
}

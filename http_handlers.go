package main

// this file contains implementation of HTTP handlers - REST API

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/labstack/echo"
	"github.com/labstack/echo/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/himanshub16/upnext-juggler/hub"
	"github.com/himanshub16/upnext-juggler/radio"
)

const defaultHistoryLimit = 50

type httpHandlers struct {
	service   Service
	clients   *hub.Hub
	jwtSecret []byte
}

// NewHTTPRouter wires the REST API. clients may be nil when nobody listens
// over websockets.
func NewHTTPRouter(service Service, clients *hub.Hub, secret string) *echo.Echo {
	h := &httpHandlers{
		service:   service,
		clients:   clients,
		jwtSecret: []byte(secret),
	}

	r := echo.New()
	r.HideBanner = true
	r.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Format: "method=${method}, uri=${uri}, status=${status}\n",
	}))
	r.Use(middleware.Recover())
	r.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	router := r.Group("/api")
	queueGroup := router.Group("/queue")
	queueGroup.Use(middleware.JWT(h.jwtSecret))
	{
		queueGroup.POST("/upload", h.uploadHandler)
		queueGroup.POST("/link", h.submitLinkHandler)
		queueGroup.POST("/skip", h.skipHandler)
		queueGroup.POST("/clear", h.clearHandler)
		queueGroup.DELETE("/:id", h.cancelHandler)
	}

	// registered after the group so reading the queue needs no token
	router.GET("/queue", h.queueHandler)
	router.GET("/health", h.healthCheckHandler)
	router.POST("/login", h.loginHandler)
	router.GET("/ws", h.websocketHandler)
	router.GET("/download/:id", h.downloadHandler)
	router.GET("/history", h.historyHandler)
	router.GET("/history/top", h.topSubmittersHandler)

	return r
}

func (h *httpHandlers) healthCheckHandler(c echo.Context) error {
	listeners := 0
	if h.clients != nil {
		listeners = h.clients.Clients()
	}
	return c.JSON(http.StatusOK, echo.Map{
		"message":   "I am up and running!",
		"listeners": listeners,
	})
}

func (h *httpHandlers) loginHandler(c echo.Context) error {
	nick := c.FormValue("nick")
	if nick == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{
			"message": "Missing nick",
		})
	}

	token := jwt.New(jwt.SigningMethodHS256)
	claims := token.Claims.(jwt.MapClaims)
	claims["nick"] = nick
	claims["exp"] = time.Now().Add(time.Hour * 72).Unix()
	t, err := token.SignedString(h.jwtSecret)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, echo.Map{
		"token": t,
	})
}

// websocketHandler takes the nick from the query string, browsers cannot
// set headers on a websocket handshake.
func (h *httpHandlers) websocketHandler(c echo.Context) error {
	if h.clients == nil {
		return echo.ErrNotFound
	}
	return h.clients.ServeWS(c.Response(), c.Request(), c.RealIP(), c.QueryParam("nick"))
}

func (h *httpHandlers) queueHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, h.service.Queue())
}

func (h *httpHandlers) submitLinkHandler(c echo.Context) error {
	form := struct {
		URL      string `form:"url" json:"url"`
		Filename string `form:"filename" json:"filename"`
		UploadID string `form:"upload_id" json:"upload_id"`
		ParentID string `form:"parent_id" json:"parent_id"`
	}{}
	if err := c.Bind(&form); err != nil || form.URL == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{
			"message": "Missing url",
		})
	}

	sub := submissionFromContext(c, form.Filename, form.UploadID, form.ParentID)
	res, err := h.service.SubmitLink(c.Request().Context(), sub, form.URL)
	if err != nil {
		return submitError(c, err)
	}
	if res.Outcome == radio.Deferred {
		return c.JSON(http.StatusConflict, echo.Map{
			"outcome": res.Outcome.String(),
			"message": "Parent never arrived",
		})
	}
	return c.JSON(http.StatusOK, echo.Map{
		"outcome": res.Outcome.String(),
		"id":      res.Entry.ID,
		"prio":    res.Entry.Priority,
	})
}

func (h *httpHandlers) uploadHandler(c echo.Context) error {
	fh, err := c.FormFile("file")
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{
			"message": "Missing file",
		})
	}

	sub := submissionFromContext(c, c.FormValue("filename"), c.FormValue("upload_id"), c.FormValue("parent_id"))
	if err := h.service.SubmitUpload(sub, fh); err != nil {
		return submitError(c, err)
	}
	return c.JSON(http.StatusAccepted, echo.Map{
		"message": "Queued",
	})
}

func (h *httpHandlers) cancelHandler(c echo.Context) error {
	if !h.service.Cancel(c.Param("id"), c.RealIP()) {
		return c.JSON(http.StatusNotFound, echo.Map{
			"message": "No such entry of yours",
		})
	}
	return c.JSON(http.StatusOK, echo.Map{
		"message": "Done",
	})
}

func (h *httpHandlers) skipHandler(c echo.Context) error {
	h.service.Skip()
	return c.JSON(http.StatusOK, echo.Map{
		"message": "Done",
	})
}

func (h *httpHandlers) clearHandler(c echo.Context) error {
	h.service.Clear()
	return c.JSON(http.StatusOK, echo.Map{
		"message": "Done",
	})
}

// downloadHandler serves uploaded files and redirects to links.
func (h *httpHandlers) downloadHandler(c echo.Context) error {
	d, ok := h.service.Download(c.Param("id"))
	if !ok {
		return c.JSON(http.StatusNotFound, echo.Map{
			"message": "Not in the queue",
		})
	}
	if d.Type == radio.KindFile {
		return c.Attachment(d.MRL, d.Filename)
	}
	return c.Redirect(http.StatusFound, d.MRL)
}

func (h *httpHandlers) historyHandler(c echo.Context) error {
	records, err := h.service.History(limitParam(c))
	if err != nil {
		return historyError(c, err)
	}
	return c.JSON(http.StatusOK, records)
}

func (h *httpHandlers) topSubmittersHandler(c echo.Context) error {
	submitters, err := h.service.TopSubmitters(limitParam(c))
	if err != nil {
		return historyError(c, err)
	}
	return c.JSON(http.StatusOK, submitters)
}

// socketMessageHandler serves requests that arrive over the websocket.
func socketMessageHandler(service Service) func(*hub.Client, hub.Inbound) {
	return func(client *hub.Client, msg hub.Inbound) {
		switch msg.Type {
		case "get_list":
			client.Send(service.Queue())
		case "cancel":
			service.Cancel(msg.ID, client.Addr)
		case "link":
			sub := Submission{
				Address:  client.Addr,
				Nick:     client.Nick,
				Label:    msg.Filename,
				UploadID: msg.UploadID,
				ParentID: msg.ParentID,
			}
			// handled on the read goroutine so a client's links keep their order
			if err := service.EnqueueLink(context.Background(), sub, msg.URL); err != nil {
				client.Send(echo.Map{
					"type":    "error",
					"message": err.Error(),
				})
			}
		}
	}
}

func submissionFromContext(c echo.Context, label, uploadID, parentID string) Submission {
	return Submission{
		Address:  c.RealIP(),
		Nick:     getNickFromContext(c),
		Label:    label,
		UploadID: uploadID,
		ParentID: parentID,
	}
}

func getNickFromContext(c echo.Context) string {
	token, ok := c.Get("user").(*jwt.Token)
	if !ok {
		return ""
	}
	nick, _ := token.Claims.(jwt.MapClaims)["nick"].(string)
	return nick
}

func limitParam(c echo.Context) int64 {
	limit, err := strconv.ParseInt(c.QueryParam("limit"), 10, 64)
	if err != nil || limit <= 0 || limit > 500 {
		return defaultHistoryLimit
	}
	return limit
}

func submitError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, radio.ErrInvalidCandidate):
		return c.JSON(http.StatusBadRequest, echo.Map{
			"message": err.Error(),
		})
	case errors.Is(err, radio.ErrNotRunning):
		return c.JSON(http.StatusServiceUnavailable, echo.Map{
			"message": err.Error(),
		})
	}
	return err
}

func historyError(c echo.Context, err error) error {
	if errors.Is(err, ErrHistoryDisabled) {
		return c.JSON(http.StatusNotFound, echo.Map{
			"message": err.Error(),
		})
	}
	return err
}

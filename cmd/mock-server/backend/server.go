package backend

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// HTTPServer is the development backend: the resource API, the websocket
// event endpoint and the long-poll fallback, all sharing one fixture
// database.
type HTTPServer struct {
	logger *zap.Logger
	db     *Database
	hub    *Hub
	jwt    *JWTService
	router *gin.Engine
	server *http.Server
}

// NewHTTPServer wires the routes.
func NewHTTPServer(db *Database, hub *Hub, jwtSvc *JWTService, logger *zap.Logger) *HTTPServer {
	s := &HTTPServer{
		logger: logger.Named("http"),
		db:     db,
		hub:    hub,
		jwt:    jwtSvc,
	}

	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/socket", hub.HandleSocket)
	router.GET("/socket/poll", hub.HandlePoll)
	router.POST("/socket/poll", hub.HandlePollSend)

	api := router.Group("/api")
	api.POST("/auth/login", s.handleLogin)

	authed := api.Group("")
	authed.Use(s.authMiddleware())
	authed.POST("/auth/logout", s.handleLogout)
	authed.GET("/auth/me", s.handleMe)

	authed.POST("/attendance/scan", s.handleScan)
	authed.GET("/attendance", s.handleAttendance)
	authed.GET("/attendance/stats/today", s.handleTodayStats)

	authed.GET("/alerts", s.handleAlerts)
	authed.GET("/alerts/unread-count", s.handleUnreadCount)
	authed.PATCH("/alerts/read-all", s.handleMarkAllRead)
	authed.PATCH("/alerts/:id/read", s.handleMarkRead)

	authed.GET("/members", s.handleListMembers)
	authed.GET("/members/:id", s.handleGetMember)
	authed.POST("/members", s.handleCreateMember)
	authed.PUT("/members/:id", s.handleUpdateMember)
	authed.DELETE("/members/:id", s.handleDeleteMember)

	s.router = router
	return s
}

// Start runs the server until Stop.
func (s *HTTPServer) Start(addr string) error {
	s.server = &http.Server{Addr: addr, Handler: s.router}
	s.logger.Info("mock backend listening", zap.String("addr", addr))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *HTTPServer) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router exposes the handler for tests.
func (s *HTTPServer) Router() http.Handler {
	return s.router
}

func ok(c *gin.Context, message string, data any) {
	c.JSON(http.StatusOK, gin.H{"success": true, "message": message, "data": data})
}

func fail(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"success": false, "message": message})
}

func (s *HTTPServer) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		parts := strings.Split(c.GetHeader("Authorization"), " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			fail(c, http.StatusUnauthorized, "unauthorized")
			c.Abort()
			return
		}
		claims, err := s.jwt.ValidateToken(parts[1])
		if err != nil {
			fail(c, http.StatusUnauthorized, "unauthorized")
			c.Abort()
			return
		}
		c.Set("userID", claims.UserID)
		c.Set("role", claims.Role)
		c.Next()
	}
}

func staffJSON(u *Staff) gin.H {
	return gin.H{
		"id":    u.ID,
		"name":  u.Name,
		"email": u.Email,
		"role":  u.Role,
		"gymId": u.GymID,
	}
}

func (s *HTTPServer) handleLogin(c *gin.Context) {
	var req struct {
		Email    string `json:"email" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "email and password are required")
		return
	}

	staff, err := s.db.StaffByEmail(c.Request.Context(), req.Email)
	if err != nil {
		fail(c, http.StatusUnauthorized, "Invalid email or password")
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(staff.Password), []byte(req.Password)) != nil {
		fail(c, http.StatusUnauthorized, "Invalid email or password")
		return
	}
	if staff.GymBlocked {
		fail(c, http.StatusForbidden, "Your gym has been blocked. Please contact support.")
		return
	}

	token, err := s.jwt.GenerateToken(staff.ID, staff.Role)
	if err != nil {
		fail(c, http.StatusInternalServerError, "failed to issue token")
		return
	}

	s.logger.Info("operator signed in", zap.String("email", staff.Email))
	ok(c, "login successful", gin.H{
		"accessToken": token,
		"user":        staffJSON(staff),
	})
}

func (s *HTTPServer) handleLogout(c *gin.Context) {
	ok(c, "logged out", nil)
}

func (s *HTTPServer) handleMe(c *gin.Context) {
	staff, err := s.db.StaffByID(c.Request.Context(), c.GetString("userID"))
	if err != nil {
		fail(c, http.StatusUnauthorized, "unauthorized")
		return
	}
	ok(c, "", staffJSON(staff))
}

func memberSummary(m *Member) gin.H {
	if m == nil {
		return gin.H{"name": "", "phone": ""}
	}
	return gin.H{
		"name":              m.Name,
		"phone":             m.Phone,
		"memberId":          m.Credential,
		"membershipPlan":    m.MembershipPlan,
		"membershipEndDate": m.MembershipEndDate.Format(time.RFC3339),
	}
}

func alertJSON(row *AlertRow) gin.H {
	return gin.H{
		"_id":      row.ID,
		"title":    row.Title,
		"message":  row.Message,
		"priority": row.Priority,
		"isRead":   row.IsRead,
		"member": gin.H{
			"name":  row.MemberName,
			"phone": row.MemberPhone,
		},
		"metadata":  gin.H{"denialReason": row.DenialReason},
		"createdAt": row.CreatedAt.Format(time.RFC3339),
	}
}

func (s *HTTPServer) handleScan(c *gin.Context) {
	var req struct {
		QRData string `json:"qrData" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "qrData is required")
		return
	}
	ctx := c.Request.Context()

	member, err := s.db.MemberByCredential(ctx, req.QRData)
	if err != nil {
		fail(c, http.StatusInternalServerError, "lookup failed")
		return
	}

	granted := false
	denialReason := ""
	switch {
	case member == nil:
		denialReason = "invalid QR code"
	case member.Expired():
		denialReason = "membership expired"
	default:
		granted = true
	}

	rec := &Attendance{Granted: granted, DenialReason: denialReason}
	if member != nil {
		rec.MemberID = member.ID
		rec.MemberName = member.Name
		rec.MemberPhone = member.Phone
	}
	if err := s.db.RecordAttendance(ctx, rec); err != nil {
		fail(c, http.StatusInternalServerError, "failed to record attendance")
		return
	}

	alert := &AlertRow{DenialReason: denialReason}
	if member != nil {
		alert.MemberName = member.Name
		alert.MemberPhone = member.Phone
	}
	event := "access-denied"
	if granted {
		event = "check-in"
		alert.Title = "Member Check-in"
		alert.Message = member.Name + " checked in"
		alert.Priority = "low"
	} else {
		alert.Title = "Access Denied"
		alert.Priority = "high"
		if member != nil {
			alert.Message = member.Name + " was denied entry: " + denialReason
		} else {
			alert.Message = "Unknown credential was denied entry: " + denialReason
		}
	}
	if err := s.db.CreateAlert(ctx, alert); err != nil {
		fail(c, http.StatusInternalServerError, "failed to record alert")
		return
	}

	s.hub.Broadcast(event, gin.H{
		"alert":  alertJSON(alert),
		"member": memberSummary(member),
	})

	result := gin.H{"accessGranted": granted, "member": memberSummary(member)}
	if denialReason != "" {
		result["denialReason"] = denialReason
	}
	ok(c, "", result)
}

func (s *HTTPServer) handleAttendance(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	rows, total, err := s.db.ListAttendance(c.Request.Context(), limit)
	if err != nil {
		fail(c, http.StatusInternalServerError, "failed to list attendance")
		return
	}

	records := make([]gin.H, 0, len(rows))
	for _, r := range rows {
		records = append(records, gin.H{
			"_id": r.ID,
			"member": gin.H{
				"name":  r.MemberName,
				"phone": r.MemberPhone,
			},
			"checkInTime": r.CheckInTime.Format(time.RFC3339),
		})
	}
	ok(c, "", gin.H{"records": records, "total": total})
}

func (s *HTTPServer) handleTodayStats(c *gin.Context) {
	granted, unique, denied, err := s.db.TodayStats(c.Request.Context())
	if err != nil {
		fail(c, http.StatusInternalServerError, "failed to aggregate stats")
		return
	}
	ok(c, "", gin.H{
		"totalCheckIns":  granted,
		"currentlyIn":    unique,
		"deniedAttempts": denied,
	})
}

func (s *HTTPServer) handleAlerts(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	var isRead *bool
	if raw := c.Query("isRead"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err == nil {
			isRead = &parsed
		}
	}

	rows, total, err := s.db.ListAlerts(c.Request.Context(), limit, isRead)
	if err != nil {
		fail(c, http.StatusInternalServerError, "failed to list alerts")
		return
	}
	alerts := make([]gin.H, 0, len(rows))
	for i := range rows {
		alerts = append(alerts, alertJSON(&rows[i]))
	}
	ok(c, "", gin.H{"alerts": alerts, "total": total})
}

func (s *HTTPServer) handleUnreadCount(c *gin.Context) {
	count, err := s.db.UnreadAlertCount(c.Request.Context())
	if err != nil {
		fail(c, http.StatusInternalServerError, "failed to count alerts")
		return
	}
	ok(c, "", gin.H{"count": count})
}

func (s *HTTPServer) handleMarkRead(c *gin.Context) {
	err := s.db.MarkAlertRead(c.Request.Context(), c.Param("id"))
	if errors.Is(err, gorm.ErrRecordNotFound) {
		fail(c, http.StatusNotFound, "alert not found")
		return
	}
	if err != nil {
		fail(c, http.StatusInternalServerError, "failed to update alert")
		return
	}
	ok(c, "alert marked read", nil)
}

func (s *HTTPServer) handleMarkAllRead(c *gin.Context) {
	if err := s.db.MarkAllAlertsRead(c.Request.Context()); err != nil {
		fail(c, http.StatusInternalServerError, "failed to update alerts")
		return
	}
	ok(c, "all alerts marked read", nil)
}

func memberJSON(m *Member) gin.H {
	return gin.H{
		"id":                m.ID,
		"credential":        m.Credential,
		"name":              m.Name,
		"phone":             m.Phone,
		"membershipPlan":    m.MembershipPlan,
		"membershipEndDate": m.MembershipEndDate.Format(time.RFC3339),
	}
}

func (s *HTTPServer) handleListMembers(c *gin.Context) {
	rows, err := s.db.ListMembers(c.Request.Context())
	if err != nil {
		fail(c, http.StatusInternalServerError, "failed to list members")
		return
	}
	out := make([]gin.H, 0, len(rows))
	for i := range rows {
		out = append(out, memberJSON(&rows[i]))
	}
	ok(c, "", out)
}

func (s *HTTPServer) handleGetMember(c *gin.Context) {
	m, err := s.db.MemberByID(c.Request.Context(), c.Param("id"))
	if errors.Is(err, gorm.ErrRecordNotFound) {
		fail(c, http.StatusNotFound, "member not found")
		return
	}
	if err != nil {
		fail(c, http.StatusInternalServerError, "lookup failed")
		return
	}
	ok(c, "", memberJSON(m))
}

type memberRequest struct {
	Credential        string    `json:"credential"`
	Name              string    `json:"name" binding:"required"`
	Phone             string    `json:"phone"`
	MembershipPlan    string    `json:"membershipPlan"`
	MembershipEndDate time.Time `json:"membershipEndDate"`
}

func (s *HTTPServer) handleCreateMember(c *gin.Context) {
	var req memberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "name is required")
		return
	}
	m := &Member{
		Credential:        req.Credential,
		Name:              req.Name,
		Phone:             req.Phone,
		MembershipPlan:    req.MembershipPlan,
		MembershipEndDate: req.MembershipEndDate,
	}
	if err := s.db.CreateMember(c.Request.Context(), m); err != nil {
		fail(c, http.StatusInternalServerError, "failed to create member")
		return
	}
	ok(c, "member created", memberJSON(m))
}

func (s *HTTPServer) handleUpdateMember(c *gin.Context) {
	var req memberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "name is required")
		return
	}
	m := &Member{
		ID:                c.Param("id"),
		Name:              req.Name,
		Phone:             req.Phone,
		MembershipPlan:    req.MembershipPlan,
		MembershipEndDate: req.MembershipEndDate,
	}
	if err := s.db.UpdateMember(c.Request.Context(), m); err != nil {
		fail(c, http.StatusInternalServerError, "failed to update member")
		return
	}
	ok(c, "member updated", nil)
}

func (s *HTTPServer) handleDeleteMember(c *gin.Context) {
	if err := s.db.DeleteMember(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, http.StatusInternalServerError, "failed to delete member")
		return
	}
	ok(c, "member deleted", nil)
}

// Package remote is the HTTP client for the records API.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MuhammedAman113114/darul-irshad-clean-sub002/internal/apperrors"
	"github.com/MuhammedAman113114/darul-irshad-clean-sub002/internal/auth"
	"github.com/MuhammedAman113114/darul-irshad-clean-sub002/internal/metrics"
	"github.com/MuhammedAman113114/darul-irshad-clean-sub002/internal/model"
)

// StatusError is a non-2xx reply from the API.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: api error %d: %s", e.Op, e.Code, strings.TrimSpace(e.Body))
}

// Unwrap maps the status code onto the shared sentinel errors.
func (e *StatusError) Unwrap() error {
	switch e.Code {
	case http.StatusBadRequest:
		return apperrors.ErrBadRequest
	case http.StatusUnauthorized:
		return apperrors.ErrUnauthorized
	case http.StatusNotFound:
		return apperrors.ErrNotFound
	case http.StatusConflict:
		return apperrors.ErrConflict
	}
	return nil
}

const opRegister = "register"

// Client calls the records API.
type Client struct {
	BaseURL string
	HTTP    *http.Client

	mu       sync.RWMutex
	token    string
	deviceID string
	// authMu serialises re-registration.
	authMu sync.Mutex
}

// New creates a client. Every request is bounded by timeout.
func New(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: timeout},
		token:   token,
	}
}

// SetToken replaces the bearer token.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// HasToken reports whether a bearer token is configured.
func (c *Client) HasToken() bool {
	return c.currentToken() != ""
}

// SetDeviceID enables automatic registration: a missing token, or a
// request rejected with 401, registers the device and retries once.
func (c *Client) SetDeviceID(deviceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deviceID = deviceID
}

func (c *Client) currentToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *Client) device() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.deviceID
}

// reauth registers the device unless another caller already replaced the
// stale token.
func (c *Client) reauth(ctx context.Context, stale string) error {
	c.authMu.Lock()
	defer c.authMu.Unlock()
	if cur := c.currentToken(); cur != "" && cur != stale {
		return nil
	}
	_, err := c.Register(ctx, c.device())
	return err
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out any) (err error) {
	defer func() { metrics.RemoteRequests.WithLabelValues(op, metrics.Result(err)).Inc() }()

	var raw []byte
	if in != nil {
		if raw, err = json.Marshal(in); err != nil {
			return fmt.Errorf("%s: encode: %w", op, err)
		}
	}
	canReauth := op != opRegister && c.device() != ""

	token := c.currentToken()
	if canReauth && token == "" {
		if err := c.reauth(ctx, token); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		token = c.currentToken()
	}
	err = c.send(ctx, op, method, path, token, raw, out)
	var se *StatusError
	if canReauth && errors.As(err, &se) && se.Code == http.StatusUnauthorized {
		if rerr := c.reauth(ctx, token); rerr != nil {
			return err
		}
		err = c.send(ctx, op, method, path, c.currentToken(), raw, out)
	}
	return err
}

func (c *Client) send(ctx context.Context, op, method, path, token string, raw []byte, out any) error {
	var body io.Reader
	if raw != nil {
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if raw != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%s: request failed: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Op: op, Code: resp.StatusCode, Body: string(b)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

// Ping checks that the API is reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, "ping", http.MethodGet, "/healthz", nil, nil)
}

// Register registers the device and stores the access token it receives.
func (c *Client) Register(ctx context.Context, deviceID string) (auth.TokenPair, error) {
	var out auth.TokenPair
	err := c.do(ctx, opRegister, http.MethodPost, "/api/devices/register", map[string]string{"device_id": deviceID}, &out)
	if err != nil {
		return auth.TokenPair{}, err
	}
	c.SetToken(out.AccessToken)
	return out, nil
}

func classQuery(cl model.ClassRef) url.Values {
	q := url.Values{}
	if cl.CourseType != "" {
		q.Set("courseType", string(cl.CourseType))
	}
	if cl.Year != 0 {
		q.Set("year", strconv.Itoa(cl.Year))
	}
	if cl.Division != "" {
		q.Set("courseDivision", string(cl.Division))
	}
	if cl.Section != "" {
		q.Set("section", cl.Section)
	}
	return q
}

func withQuery(path string, q url.Values) string {
	if len(q) == 0 {
		return path
	}
	return path + "?" + q.Encode()
}

// ListStudents returns the roster of a section. A zero ClassRef lists everyone.
func (c *Client) ListStudents(ctx context.Context, cl model.ClassRef) ([]model.Student, error) {
	var out struct {
		Students []model.Student `json:"students"`
	}
	err := c.do(ctx, "students.list", http.MethodGet, withQuery("/api/students", classQuery(cl)), nil, &out)
	return out.Students, err
}

// SaveStudent creates the student when it has no id and updates it otherwise.
func (c *Client) SaveStudent(ctx context.Context, s model.Student) (model.Student, error) {
	var out struct {
		Student model.Student `json:"student"`
	}
	var err error
	if s.ID == 0 {
		err = c.do(ctx, "students.create", http.MethodPost, "/api/students", s, &out)
	} else {
		err = c.do(ctx, "students.update", http.MethodPut, "/api/students/"+strconv.FormatInt(s.ID, 10), s, &out)
	}
	return out.Student, err
}

// DeleteStudent removes a student.
func (c *Client) DeleteStudent(ctx context.Context, id int64) error {
	return c.do(ctx, "students.delete", http.MethodDelete, "/api/students/"+strconv.FormatInt(id, 10), nil, nil)
}

// ListAttendance returns the records of one class, date and period.
func (c *Client) ListAttendance(ctx context.Context, cl model.ClassRef, date string, period int) ([]model.AttendanceRecord, error) {
	q := classQuery(cl)
	q.Set("date", date)
	if period > 0 {
		q.Set("period", strconv.Itoa(period))
	}
	var out struct {
		Records []model.AttendanceRecord `json:"records"`
	}
	err := c.do(ctx, "attendance.list", http.MethodGet, withQuery("/api/attendance", q), nil, &out)
	return out.Records, err
}

// SaveAttendance uploads a sheet.
func (c *Client) SaveAttendance(ctx context.Context, sheet model.AttendanceSheet) error {
	return c.do(ctx, "attendance.save", http.MethodPost, "/api/attendance", sheet, nil)
}

// ListNamaz returns the namaz records of one prayer.
func (c *Client) ListNamaz(ctx context.Context, date string, prayer model.Prayer) ([]model.NamazRecord, error) {
	q := url.Values{"date": {date}}
	if prayer != "" {
		q.Set("prayer", string(prayer))
	}
	var out struct {
		Records []model.NamazRecord `json:"records"`
	}
	err := c.do(ctx, "namaz.list", http.MethodGet, withQuery("/api/namaz-attendance", q), nil, &out)
	return out.Records, err
}

// SaveNamaz uploads a namaz sheet.
func (c *Client) SaveNamaz(ctx context.Context, sheet model.NamazSheet) error {
	return c.do(ctx, "namaz.save", http.MethodPost, "/api/namaz-attendance", sheet, nil)
}

// ListLeaves returns every leave.
func (c *Client) ListLeaves(ctx context.Context) ([]model.LeaveRecord, error) {
	var out struct {
		Leaves []model.LeaveRecord `json:"leaves"`
	}
	err := c.do(ctx, "leaves.list", http.MethodGet, "/api/leaves", nil, &out)
	return out.Leaves, err
}

// SaveLeave creates a leave when it has no id and updates it otherwise. A
// cancelled leave goes through the cancel endpoint.
func (c *Client) SaveLeave(ctx context.Context, l model.LeaveRecord) (model.LeaveRecord, error) {
	var out struct {
		Leave model.LeaveRecord `json:"leave"`
	}
	path := "/api/leaves/" + strconv.FormatInt(l.ID, 10)
	var err error
	switch {
	case l.ID == 0:
		err = c.do(ctx, "leaves.create", http.MethodPost, "/api/leaves", l, &out)
	case l.Status == model.LeaveCancelled:
		err = c.do(ctx, "leaves.cancel", http.MethodPost, path+"/cancel", nil, &out)
	default:
		err = c.do(ctx, "leaves.update", http.MethodPut, path, l, &out)
	}
	return out.Leave, err
}

// ListHolidays returns the holidays that are not deleted.
func (c *Client) ListHolidays(ctx context.Context) ([]model.Holiday, error) {
	var out struct {
		Holidays []model.Holiday `json:"holidays"`
	}
	err := c.do(ctx, "holidays.list", http.MethodGet, "/api/holidays", nil, &out)
	return out.Holidays, err
}

// SaveHoliday declares a holiday when it has no id, soft-deletes it when it
// is marked deleted and updates it otherwise. Deleting a holiday the API no
// longer has succeeds.
func (c *Client) SaveHoliday(ctx context.Context, h model.Holiday) (model.Holiday, error) {
	var out struct {
		Holiday model.Holiday `json:"holiday"`
	}
	path := "/api/holidays/" + strconv.FormatInt(h.ID, 10)
	switch {
	case h.ID == 0:
		err := c.do(ctx, "holidays.create", http.MethodPost, "/api/holidays", h, &out)
		return out.Holiday, err
	case h.IsDeleted:
		err := c.do(ctx, "holidays.delete", http.MethodDelete, path, nil, nil)
		if errors.Is(err, apperrors.ErrNotFound) {
			err = nil
		}
		return h, err
	}
	err := c.do(ctx, "holidays.update", http.MethodPut, path, h, &out)
	return out.Holiday, err
}

package handlers

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"harei/config"
	"harei/inbox"
	"harei/settings"
)

var (
	jsonHeader = http.Header{"Accept": {"application/json"}}
	formHeader = http.Header{
		"Accept":       {"application/json"},
		"Content-Type": {"application/x-www-form-urlencoded"},
	}
)

func formRequest(t *testing.T, path string, values url.Values) *http.Request {
	req := newTestRequest(t, http.MethodPost, path, strings.NewReader(values.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func TestRequireSession(t *testing.T) {
	app := setupTestApp(t)
	srv := newTestServer(t, app)

	t.Run("Page redirects to login", func(t *testing.T) {
		resp := do(t, srv, http.MethodGet, "/admin/", nil, nil)
		assert.Equal(t, http.StatusFound, resp.StatusCode)
		assert.Equal(t, "/login", resp.Header.Get("Location"))
	})

	t.Run("Script gets 401", func(t *testing.T) {
		resp := do(t, srv, http.MethodGet, "/admin/message/state", nil, jsonHeader)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		body := decodeJSON[map[string]string](t, resp.Body)
		assert.Equal(t, "/login", body["redirect"])
	})

	t.Run("Signed in", func(t *testing.T) {
		signIn(t, app)
		resp := do(t, srv, http.MethodGet, "/admin/", nil, nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("Rejected token is cleared", func(t *testing.T) {
		signIn(t, app)
		require.NoError(t, app.db.SetValue(t.Context(), testClient, config.TokenKey, "stale"))
		resp := do(t, srv, http.MethodGet, "/admin/", nil, nil)
		assert.Equal(t, http.StatusFound, resp.StatusCode)
		assert.False(t, app.guard.Resume(t.Context(), testClient))
	})
}

func TestHandleDashboard(t *testing.T) {
	app := setupTestApp(t)
	rr := httptest.NewRecorder()
	MakeHandler(app, HandleDashboard).ServeHTTP(rr, newTestRequest(t, http.MethodGet, "/admin", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()
	assert.Contains(t, body, "2条未读")
	assert.Contains(t, body, "1条未审核")
	assert.Contains(t, body, "2条活跃tag")
	assert.Contains(t, body, "本月2条上舰记录")
}

func TestDashboardCountsText(t *testing.T) {
	var counts DashboardCounts
	assert.Equal(t, "无未读消息", counts.ApprovedText())
	assert.Equal(t, "无未审核消息", counts.PendingText())
	assert.Equal(t, "无活跃tag", counts.TagText())
	assert.Equal(t, "本月0条上舰记录", counts.CaptainText())
}

func TestLoginFlow(t *testing.T) {
	app := setupTestApp(t)

	testCases := []struct {
		name     string
		username string
		password string
		want     string
	}{
		{"Missing password", "admin", "", msgLoginMissing},
		{"Wrong password", "admin", "nope", msgLoginWrong},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			req := formRequest(t, "/login", url.Values{"username": {tc.username}, "password": {tc.password}})
			MakeHandler(app, HandleLogin).ServeHTTP(rr, req)
			assert.Equal(t, http.StatusOK, rr.Code)
			assert.Contains(t, rr.Body.String(), tc.want)
			assert.False(t, app.guard.Resume(t.Context(), testClient))
		})
	}

	t.Run("Success", func(t *testing.T) {
		rr := httptest.NewRecorder()
		req := formRequest(t, "/login", url.Values{"username": {"admin"}, "password": {"secret"}})
		MakeHandler(app, HandleLogin).ServeHTTP(rr, req)
		assert.Equal(t, http.StatusSeeOther, rr.Code)
		assert.Equal(t, "/admin", rr.Header().Get("Location"))

		rr = httptest.NewRecorder()
		MakeHandler(app, HandleLoginPage).ServeHTTP(rr, newTestRequest(t, http.MethodGet, "/login", nil))
		assert.Equal(t, http.StatusFound, rr.Code)
	})

	t.Run("Logout", func(t *testing.T) {
		app.inboxes.Mount(testClient, inbox.MessageView, testToken)
		rr := httptest.NewRecorder()
		MakeHandler(app, HandleLogout).ServeHTTP(rr, formRequest(t, "/logout", nil))
		assert.Equal(t, http.StatusSeeOther, rr.Code)
		assert.Equal(t, "/login", rr.Header().Get("Location"))
		assert.False(t, app.guard.Resume(t.Context(), testClient))
		assert.Zero(t, app.inboxes.Len())
	})
}

func TestInboxRoutes(t *testing.T) {
	app := setupTestApp(t)
	srv := newTestServer(t, app)
	signIn(t, app)

	mounts := map[string]string{}
	at := func(view, path string) string {
		return "/admin/" + view + path + "?mount=" + mounts[view]
	}
	state := func(t *testing.T, view string) SnapshotResponse {
		resp := do(t, srv, http.MethodGet, at(view, "/state"), nil, jsonHeader)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		snap := decodeJSON[SnapshotResponse](t, resp.Body)
		mounts[view] = snap.Mount
		return snap
	}

	t.Run("Initial state", func(t *testing.T) {
		snap := state(t, "message")
		require.Len(t, snap.Items, 2)
		assert.Equal(t, int64(3), snap.Items[0].ID)
		assert.Equal(t, int64(7), snap.Items[1].ID)
		require.NotNil(t, snap.Selected)
		assert.Equal(t, int64(3), snap.Selected.ID)
		assert.Contains(t, string(snap.MessageHTML), "<strong>first</strong>")
	})

	t.Run("Thumbnail served from cache", func(t *testing.T) {
		var thumb string
		require.Eventually(t, func() bool {
			snap := state(t, "message")
			if snap.Selected == nil || len(snap.Selected.Thumbs) == 0 {
				return false
			}
			thumb = snap.Selected.Thumbs[0].URL
			return thumb != ""
		}, 2*time.Second, 20*time.Millisecond)

		resp := do(t, srv, http.MethodGet, thumb, nil, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		etag := resp.Header.Get("ETag")
		assert.NotEmpty(t, etag)
		assert.Contains(t, resp.Header.Get("Cache-Control"), "immutable")

		resp = do(t, srv, http.MethodGet, thumb, nil, http.Header{"If-None-Match": {etag}})
		assert.Equal(t, http.StatusNotModified, resp.StatusCode)

		resp = do(t, srv, http.MethodGet, "/admin/blob/unknown", nil, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
	})

	t.Run("Viewer", func(t *testing.T) {
		resp := do(t, srv, http.MethodPost, at("message", "/viewer/open"), strings.NewReader(`{"index":0,"seq":1}`),
			http.Header{"Content-Type": {"application/json"}})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		snap := decodeJSON[SnapshotResponse](t, resp.Body)
		assert.True(t, snap.Viewer.Open)
		assert.Equal(t, 1, snap.Viewer.Count)

		resp = do(t, srv, http.MethodPost, at("message", "/viewer/close"), strings.NewReader(`{"seq":2}`),
			http.Header{"Content-Type": {"application/json"}})
		snap = decodeJSON[SnapshotResponse](t, resp.Body)
		assert.False(t, snap.Viewer.Open)
	})

	t.Run("Select marks previous seen", func(t *testing.T) {
		resp := do(t, srv, http.MethodPost, at("message", "/select"), strings.NewReader("id=7"), formHeader)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		snap := decodeJSON[SnapshotResponse](t, resp.Body)
		require.NotNil(t, snap.Selected)
		assert.Equal(t, int64(7), snap.Selected.ID)
		assert.True(t, snap.Items[0].Seen)

		resp = do(t, srv, http.MethodPost, at("message", "/select"), strings.NewReader("id=99"), formHeader)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("Delete", func(t *testing.T) {
		resp := do(t, srv, http.MethodPost, at("message", "/delete"), nil, jsonHeader)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		snap := decodeJSON[SnapshotResponse](t, resp.Body)
		require.Len(t, snap.Items, 1)
		assert.Equal(t, int64(3), snap.Items[0].ID)
		assert.Equal(t, "删除成功", snap.Status)
	})

	t.Run("Audit bulk approve", func(t *testing.T) {
		snap := state(t, "audit")
		require.Len(t, snap.Items, 1)
		assert.Equal(t, int64(9), snap.Items[0].ID)

		resp := do(t, srv, http.MethodPost, at("audit", "/bulk"), nil, jsonHeader)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		snap = decodeJSON[SnapshotResponse](t, resp.Body)
		assert.Empty(t, snap.Items)
		assert.Equal(t, "已全部过审", snap.Status)
		assert.Equal(t, 1, app.remote.approved)
	})

	t.Run("Expired mount is replaced", func(t *testing.T) {
		resp := do(t, srv, http.MethodPost, "/admin/message/viewer/open?mount=gone", strings.NewReader(`{"index":0,"seq":42}`),
			http.Header{"Content-Type": {"application/json"}})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		snap := decodeJSON[SnapshotResponse](t, resp.Body)
		assert.NotEqual(t, "gone", snap.Mount)
		assert.NotEqual(t, mounts["message"], snap.Mount)
		assert.True(t, snap.Viewer.Open, "the first event on a new mount is applied")
	})

	t.Run("Unknown view", func(t *testing.T) {
		resp := do(t, srv, http.MethodGet, "/admin/archive/state", nil, jsonHeader)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

var mountAttr = regexp.MustCompile(`data-mount="([^"]+)"`)

func openInboxPage(t *testing.T, srv *httptest.Server, view string) string {
	t.Helper()
	resp := do(t, srv, http.MethodGet, "/admin/"+view+"/", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	m := mountAttr.FindSubmatch(body)
	require.NotNil(t, m)
	return string(m[1])
}

func TestInboxPagesAreIndependent(t *testing.T) {
	app := setupTestApp(t)
	srv := newTestServer(t, app)
	signIn(t, app)
	jsonBody := http.Header{"Content-Type": {"application/json"}}

	first := openInboxPage(t, srv, "message")
	var thumb string
	require.Eventually(t, func() bool {
		resp := do(t, srv, http.MethodGet, "/admin/message/state?mount="+first, nil, jsonHeader)
		snap := decodeJSON[SnapshotResponse](t, resp.Body)
		if snap.Selected == nil || len(snap.Selected.Thumbs) == 0 {
			return false
		}
		thumb = snap.Selected.Thumbs[0].URL
		return thumb != ""
	}, 2*time.Second, 20*time.Millisecond)
	resp := do(t, srv, http.MethodPost, "/admin/message/viewer/open?mount="+first, strings.NewReader(`{"seq":1}`), jsonBody)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	second := openInboxPage(t, srv, "message")
	require.NotEqual(t, first, second)
	resp = do(t, srv, http.MethodPost, "/admin/message/select?mount="+second, strings.NewReader("id=7"), formHeader)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, srv, http.MethodGet, thumb, nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, srv, http.MethodGet, "/admin/message/state?mount="+first, nil, jsonHeader)
	snap := decodeJSON[SnapshotResponse](t, resp.Body)
	assert.Equal(t, first, snap.Mount)
	require.NotNil(t, snap.Selected)
	assert.Equal(t, int64(3), snap.Selected.ID)
	assert.True(t, snap.Viewer.Open)
	assert.False(t, snap.Items[0].Seen)

	t.Run("Release", func(t *testing.T) {
		resp := do(t, srv, http.MethodPost, "/admin/message/release?mount="+second, nil, formHeader)
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
		_, ok := app.inboxes.Get(testClient, inbox.MessageView, second, testToken)
		assert.False(t, ok)
		_, ok = app.inboxes.Get(testClient, inbox.MessageView, first, testToken)
		assert.True(t, ok)
	})
}

func TestHandleInboxPage(t *testing.T) {
	app := setupTestApp(t)
	srv := newTestServer(t, app)
	signIn(t, app)

	resp := do(t, srv, http.MethodGet, "/admin/audit/", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var buf bytes.Buffer
	_, err := buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "全部过审")
	assert.Contains(t, buf.String(), `data-id="9"`)
}

func TestHandleTagAdd(t *testing.T) {
	app := setupTestApp(t)

	testCases := []struct {
		name string
		tag  string
		want string
	}{
		{"Empty", "  ", "请输入tag名称"},
		{"Too long", strings.Repeat("长", 33), "tag名称不能超过32字"},
		{"Success", "新tag", "操作成功"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			MakeHandler(app, HandleTagAdd).ServeHTTP(rr, formRequest(t, "/admin/tag/add", url.Values{"name": {tc.tag}}))
			assert.Equal(t, http.StatusOK, rr.Code)
			assert.Contains(t, rr.Body.String(), tc.want)
		})
	}
}

func TestHandleDownloadAdd(t *testing.T) {
	testCases := []struct {
		name   string
		values url.Values
		want   string
		added  int
	}{
		{"Missing name", url.Values{"link": {"https://example.com/a.zip"}}, "请输入资源名称", 0},
		{"Missing source", url.Values{"name": {"pack"}}, "请上传文件或填入链接", 0},
		{"Insecure link", url.Values{"name": {"pack"}, "link": {"http://example.com/a.zip"}}, "链接需以https://开头", 0},
		{"Link", url.Values{"name": {"pack"}, "link": {"https://example.com/a.zip"}}, "提交成功", 1},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			app := setupTestApp(t)
			rr := httptest.NewRecorder()
			MakeHandler(app, HandleDownloadAdd).ServeHTTP(rr, formRequest(t, "/admin/download", tc.values))
			assert.Equal(t, http.StatusOK, rr.Code)
			assert.Contains(t, rr.Body.String(), tc.want)
			require.Len(t, app.remote.downloads, tc.added)
			if tc.added > 0 {
				assert.Equal(t, "pack", app.remote.downloads[0]["description"])
				assert.Equal(t, "https://example.com/a.zip", app.remote.downloads[0]["path"])
			}
		})
	}
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.Set(1, 1, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestGiftUploadRemembersMonth(t *testing.T) {
	app := setupTestApp(t)

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	require.NoError(t, writer.WriteField("month", "202408"))
	part, err := writer.CreateFormFile("file", "gift.png")
	require.NoError(t, err)
	_, err = part.Write(pngBytes(t))
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	req := newTestRequest(t, http.MethodPost, "/admin/captaingift", body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	rr := httptest.NewRecorder()
	MakeHandler(app, HandleGiftUpload).ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "上传成功")
	assert.Equal(t, []string{"202408"}, app.remote.gifts)
	assert.Equal(t, "202408", app.settings.GiftMonth(t.Context(), testClient))

	// The remembered month is used once.
	rr = httptest.NewRecorder()
	MakeHandler(app, HandleGiftPage).ServeHTTP(rr, newTestRequest(t, http.MethodGet, "/admin/captaingift", nil))
	assert.Contains(t, rr.Body.String(), `<option value="202408" selected>`)
	assert.Contains(t, rr.Body.String(), `data-status="available"`)
	assert.Empty(t, app.settings.GiftMonth(t.Context(), testClient))
}

func TestGiftUploadParseErrors(t *testing.T) {
	app := setupTestApp(t)

	oversized := func() (io.Reader, string) {
		body := &bytes.Buffer{}
		writer := multipart.NewWriter(body)
		part, err := writer.CreateFormFile("file", "huge.png")
		require.NoError(t, err)
		_, err = part.Write(make([]byte, config.MaxGiftUploadSize+(2<<20)))
		require.NoError(t, err)
		require.NoError(t, writer.Close())
		return body, writer.FormDataContentType()
	}
	truncated := func() (io.Reader, string) {
		return strings.NewReader("--xyz\r\nContent-Disposition: form-data; name=\"month\"\r\n\r\n2024"), "multipart/form-data; boundary=xyz"
	}

	testCases := []struct {
		name    string
		body    func() (io.Reader, string)
		want    string
		notWant string
	}{
		{"Too large", oversized, "文件过大，请重新上传", "上传失败"},
		{"Malformed form", truncated, "上传失败，请稍后再试", "文件过大"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			body, contentType := tc.body()
			req := newTestRequest(t, http.MethodPost, "/admin/captaingift", body)
			req.Header.Set("Content-Type", contentType)
			rr := httptest.NewRecorder()
			MakeHandler(app, HandleGiftUpload).ServeHTTP(rr, req)

			require.Equal(t, http.StatusOK, rr.Code)
			assert.Contains(t, rr.Body.String(), tc.want)
			assert.NotContains(t, rr.Body.String(), tc.notWant)
			assert.Empty(t, app.remote.gifts)
		})
	}
}

func TestHandleCaptains(t *testing.T) {
	app := setupTestApp(t)
	rr := httptest.NewRecorder()
	MakeHandler(app, HandleCaptains).ServeHTTP(rr, newTestRequest(t, http.MethodGet, "/admin/captains", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()
	earlier, later := strings.Index(body, "earlier"), strings.Index(body, "later")
	require.True(t, earlier >= 0 && later >= 0)
	assert.Less(t, earlier, later)
}

func TestHandleCaptainsSheet(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		app := setupTestApp(t)
		rr := httptest.NewRecorder()
		MakeHandler(app, HandleCaptainsSheet).ServeHTTP(rr, newTestRequest(t, http.MethodGet, "/admin/captains/xlsx?month=202601", nil))

		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, `attachment; filename="captains-202601.xlsx"`, rr.Header().Get("Content-Disposition"))
		assert.Equal(t, "xlsx", rr.Body.String())
	})

	t.Run("Backend error", func(t *testing.T) {
		app := setupTestApp(t)
		app.remote.sheetStatus = http.StatusNotFound
		rr := httptest.NewRecorder()
		MakeHandler(app, HandleCaptainsSheet).ServeHTTP(rr, newTestRequest(t, http.MethodGet, "/admin/captains/xlsx?month=202601", nil))

		assert.Equal(t, http.StatusBadGateway, rr.Code)
		body := decodeJSON[map[string]string](t, rr.Body)
		assert.Equal(t, "本月暂无数据", body["error"])
	})
}

func TestHandleBackgroundToggle(t *testing.T) {
	app := setupTestApp(t)

	toggle := func(values url.Values) (int, map[string]any) {
		rr := httptest.NewRecorder()
		MakeHandler(app, HandleBackgroundToggle).ServeHTTP(rr, formRequest(t, "/settings/background", values))
		if rr.Code != http.StatusOK {
			return rr.Code, nil
		}
		return rr.Code, decodeJSON[map[string]any](t, rr.Body)
	}

	code, state := toggle(url.Values{"area": {"front"}})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, state["enabled"])

	code, state = toggle(url.Values{"area": {"front"}, "enabled": {"true"}})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, state["enabled"])

	code, _ = toggle(url.Values{"area": {"side"}})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestHandleBackgroundEvents(t *testing.T) {
	app := setupTestApp(t)
	srv := newTestServer(t, app)

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events/background?area=admin&width=390&height=844", nil)
	require.NoError(t, err)
	req.AddCookie(&http.Cookie{Name: clientCookie, Value: testClient})
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	waitFor := func(event string) string {
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			if strings.TrimSpace(line) != "event: "+event {
				continue
			}
			data, err := reader.ReadString('\n')
			require.NoError(t, err)
			return strings.TrimSpace(strings.TrimPrefix(data, "data:"))
		}
	}

	frame := waitFor("frame")
	assert.Contains(t, frame, `"enabled":false`)

	// Changes for another area are not forwarded.
	require.NoError(t, app.settings.Set(t.Context(), testClient, settings.Front, false))
	require.NoError(t, app.settings.Set(t.Context(), testClient, settings.Admin, true))
	change := waitFor(settings.EventAnimationChanged)
	assert.Equal(t, fmt.Sprintf(`{"area":%q,"enabled":true}`, settings.Admin), change)

	// Closing the hub ends the stream so server shutdown does not wait on it.
	app.settings.Hub().Close()
	_, err = io.ReadAll(reader)
	assert.NoError(t, err)
}

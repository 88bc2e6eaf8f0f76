// Package media uploads local images referenced in a reply and rewrites
// the reply to point at the uploaded media ids.
package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/tinyland-inc/dingclaw/pkg/logger"
)

const defaultOAPIBase = "https://oapi.dingtalk.com"

// SystemPrompt tells the agent how to reference images so Rewrite can
// find them.
const SystemPrompt = `
## 钉钉图片显示规则
显示图片时，直接使用本地文件路径，系统会自动上传处理。

### 正确方式
![描述](file:///path/to/image.jpg)
![描述](/tmp/screenshot.png)

### 禁止
- 不要自己执行 curl 上传
- 不要猜测或构造 URL
- 不要使用 https://oapi.dingtalk.com/... 这类地址
`

var (
	markdownImageRe = regexp.MustCompile(`!\[([^\]]*)\]\(((?:file://|MEDIA:|attachment://)[^\s)]+|/(?:tmp|var|private|Users)[^\s)]+)\)`)
	barePathRe      = regexp.MustCompile("(?i)`?(/(?:tmp|var|private|Users)/[^\\s`'\",)]+\\.(?:png|jpg|jpeg|gif|bmp|webp))`?")
)

// Uploader sends images to the legacy media endpoint, which authenticates
// with an access_token query parameter.
type Uploader struct {
	tokens     oauth2.TokenSource
	oapiBase   string
	httpClient *http.Client
}

type Option func(*Uploader)

func WithOAPIBase(base string) Option {
	return func(u *Uploader) {
		if base != "" {
			u.oapiBase = strings.TrimRight(base, "/")
		}
	}
}

func WithHTTPClient(hc *http.Client) Option {
	return func(u *Uploader) { u.httpClient = hc }
}

func NewUploader(tokens oauth2.TokenSource, opts ...Option) *Uploader {
	u := &Uploader{
		tokens:     tokens,
		oapiBase:   defaultOAPIBase,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

type uploadResponse struct {
	ErrCode int    `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
	MediaID string `json:"media_id"`
}

// localPath maps an image reference to a file path. References that do
// not name a local file return "".
func localPath(ref string) string {
	switch {
	case strings.HasPrefix(ref, "file://"):
		return strings.TrimPrefix(ref, "file://")
	case strings.HasPrefix(ref, "MEDIA:"):
		return strings.TrimPrefix(ref, "MEDIA:")
	case strings.HasPrefix(ref, "attachment://"):
		return ""
	default:
		return ref
	}
}

// Upload sends the image at ref and returns "@<media_id>".
func (u *Uploader) Upload(ctx context.Context, ref string) (string, error) {
	path := localPath(ref)
	if path == "" {
		return "", fmt.Errorf("media: %s is not a local file", ref)
	}
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("media: open image: %w", err)
	}
	defer f.Close()

	tok, err := u.tokens.Token()
	if err != nil {
		return "", fmt.Errorf("media: access token: %w", err)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="media"; filename=%q`, filepath.Base(path)))
	header.Set("Content-Type", contentType(path))
	part, err := mw.CreatePart(header)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", fmt.Errorf("media: read image: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	q := url.Values{"access_token": {tok.AccessToken}, "type": {"image"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.oapiBase+"/media/upload?"+q.Encode(), &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("media: upload: %w", err)
	}
	defer resp.Body.Close()

	var out uploadResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return "", fmt.Errorf("media: decode upload response (%d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK || out.ErrCode != 0 || out.MediaID == "" {
		return "", fmt.Errorf("media: upload rejected (%d): errcode=%d %s", resp.StatusCode, out.ErrCode, out.ErrMsg)
	}

	logger.InfoCF("media", "Uploaded image", map[string]any{"path": path, "media_id": out.MediaID})
	return "@" + out.MediaID, nil
}

func contentType(path string) string {
	if ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(path))); strings.HasPrefix(ct, "image/") {
		return ct
	}
	return "image/jpeg"
}

// Rewrite uploads every local image referenced in content, as markdown
// images or bare paths, and replaces each reference with the media id.
// References that fail to upload are left as they were.
func (u *Uploader) Rewrite(ctx context.Context, content string) string {
	results := make(map[string]string)
	upload := func(ref string) string {
		if id, ok := results[ref]; ok {
			return id
		}
		id, err := u.Upload(ctx, ref)
		if err != nil {
			logger.WarnCF("media", "Image upload failed", map[string]any{"ref": ref, "error": err.Error()})
		}
		results[ref] = id
		return id
	}

	content = replaceMatches(markdownImageRe, content, func(m []string) string {
		if id := upload(m[2]); id != "" {
			return "![" + m[1] + "](" + id + ")"
		}
		return m[0]
	})

	return replaceMatches(barePathRe, content, func(m []string) string {
		if id := upload(m[1]); id != "" {
			return "![image](" + id + ")"
		}
		return m[0]
	})
}

func replaceMatches(re *regexp.Regexp, s string, repl func(groups []string) string) string {
	idx := re.FindAllStringSubmatchIndex(s, -1)
	if len(idx) == 0 {
		return s
	}
	var sb strings.Builder
	last := 0
	for _, loc := range idx {
		groups := make([]string, len(loc)/2)
		for i := range groups {
			if loc[2*i] >= 0 {
				groups[i] = s[loc[2*i]:loc[2*i+1]]
			}
		}
		sb.WriteString(s[last:loc[0]])
		sb.WriteString(repl(groups))
		last = loc[1]
	}
	sb.WriteString(s[last:])
	return sb.String()
}

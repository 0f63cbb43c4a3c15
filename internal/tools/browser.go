package tools

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

const (
	browserNavTimeout = 30 * time.Second
	browserTextCap    = 48 * 1024
)

// BrowserTool drives a headless Chromium through rod for pages that need
// JavaScript. The browser launches on first use and is shared across calls.
type BrowserTool struct {
	enabled bool

	mu      sync.Mutex
	browser *rod.Browser

	visit func(ctx context.Context, url, action string) (string, error)
}

// NewBrowserTool gates execution on security.allow_browser.
func NewBrowserTool(enabled bool) *BrowserTool {
	t := &BrowserTool{enabled: enabled}
	t.visit = t.visitPage
	return t
}

func (t *BrowserTool) Name() string { return "browser" }
func (t *BrowserTool) Description() string {
	return "Open a URL in a headless browser and return the rendered text, or capture a screenshot."
}

func (t *BrowserTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{"type": "string", "description": "The URL to open."},
			"action": map[string]any{
				"type":        "string",
				"enum":        []string{"text", "screenshot"},
				"description": "What to return, default text.",
			},
		},
		"required": []string{"url"},
	}
}

func (t *BrowserTool) Execute(ctx context.Context, args map[string]any) *Result {
	if !t.enabled {
		return ErrorResult("Ferramenta bloqueada: browser automation is disabled (security.allow_browser)")
	}
	url := strings.TrimSpace(strArg(args, "url"))
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return ErrorResult("browser: url must be http or https")
	}
	action := strArg(args, "action")
	if action == "" {
		action = "text"
	}
	if action != "text" && action != "screenshot" {
		return ErrorResult(fmt.Sprintf("browser: unknown action %q", action))
	}

	out, err := t.visit(ctx, url, action)
	if err != nil {
		return ErrorResult("browser: " + err.Error()).WithError(err)
	}
	return NewResult(out)
}

func (t *BrowserTool) connect() (*rod.Browser, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.browser != nil {
		return t.browser, nil
	}
	u, err := launcher.New().Headless(true).Launch()
	if err != nil {
		return nil, fmt.Errorf("launch chromium: %w", err)
	}
	b := rod.New().ControlURL(u)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("connect to chromium: %w", err)
	}
	t.browser = b
	return b, nil
}

func (t *BrowserTool) visitPage(ctx context.Context, url, action string) (string, error) {
	b, err := t.connect()
	if err != nil {
		return "", err
	}

	page, err := b.Page(proto.TargetCreateTarget{URL: url})
	if err != nil {
		return "", fmt.Errorf("open page: %w", err)
	}
	defer page.Close()

	page = page.Context(ctx).Timeout(browserNavTimeout)
	if err := page.WaitLoad(); err != nil {
		return "", fmt.Errorf("wait for load: %w", err)
	}

	switch action {
	case "screenshot":
		img, err := page.Screenshot(false, &proto.PageCaptureScreenshot{
			Format: proto.PageCaptureScreenshotFormatPng,
		})
		if err != nil {
			return "", fmt.Errorf("screenshot: %w", err)
		}
		return "data:image/png;base64," + base64.StdEncoding.EncodeToString(img), nil
	default:
		html, err := page.HTML()
		if err != nil {
			return "", fmt.Errorf("read page: %w", err)
		}
		text := htmlToText(html)
		if len(text) > browserTextCap {
			text = text[:browserTextCap] + "\n[truncated]"
		}
		return text, nil
	}
}

// Close shuts the shared browser down, if one was launched.
func (t *BrowserTool) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.browser == nil {
		return nil
	}
	err := t.browser.Close()
	t.browser = nil
	return err
}

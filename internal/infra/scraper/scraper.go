package scraper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sifan077/NanoLink/config"
	"github.com/sifan077/NanoLink/internal/app/model"
	"go.uber.org/zap"
	"golang.org/x/net/html"
)

const (
	defaultTimeout   = 5 * time.Second
	defaultUserAgent = "Mozilla/5.0 (compatible; NanoLinkBot/1.0)"
	defaultMaxBody   = 2 << 20
	maxRedirects     = 5
)

var (
	errUpstreamStatus   = errors.New("unexpected upstream status")
	errTooManyRedirects = errors.New("too many redirects")
)

// Scraper fetches a page and pulls its title and favicon. It never fails:
// any problem yields the fallback metadata {title: url, icon: nil}.
type Scraper struct {
	timeout   time.Duration
	userAgent string
	maxBody   int
	logger    *zap.Logger
}

// New builds a scraper from configuration.
func New(cfg config.ScraperConfig, logger *zap.Logger) *Scraper {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	maxBody := cfg.MaxBodySize
	if maxBody <= 0 {
		maxBody = defaultMaxBody
	}
	return &Scraper{timeout: timeout, userAgent: ua, maxBody: maxBody, logger: logger.Named("scraper")}
}

// Fallback is the metadata used when scraping is impossible.
func Fallback(pageURL string) model.Metadata {
	return model.Metadata{Title: pageURL, Icon: nil}
}

// Scrape returns best-effort metadata for pageURL.
func (s *Scraper) Scrape(ctx context.Context, pageURL string) model.Metadata {
	meta, err := s.scrape(ctx, pageURL)
	if err != nil {
		s.logger.Debug("scrape failed, using fallback", zap.String("url", pageURL), zap.Error(err))
		return Fallback(pageURL)
	}
	return meta
}

func (s *Scraper) scrape(ctx context.Context, pageURL string) (model.Metadata, error) {
	if err := ctx.Err(); err != nil {
		return model.Metadata{}, err
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return model.Metadata{}, err
	}

	timeout := s.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		return model.Metadata{}, context.DeadlineExceeded
	}

	body, final, err := s.fetch(base, time.Now().Add(timeout))
	if err != nil {
		return model.Metadata{}, err
	}

	meta, err := Extract(body, final)
	if err != nil {
		return model.Metadata{}, err
	}
	if meta.Title == "" {
		meta.Title = pageURL
	}
	return meta, nil
}

// fetch GETs target, following up to maxRedirects redirects, all within
// deadline. It returns the body and the URL it was finally served from.
func (s *Scraper) fetch(target *url.URL, deadline time.Time) ([]byte, *url.URL, error) {
	current := target
	for hop := 0; hop <= maxRedirects; hop++ {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil, context.DeadlineExceeded
		}

		resp := fiber.AcquireResponse()
		agent := fiber.Get(current.String())
		// HostClient is nil when the URL failed to parse; Bytes reports that.
		if agent.HostClient != nil {
			agent.MaxResponseBodySize = s.maxBody
		}
		agent.SetResponse(resp).
			Timeout(remaining).
			UserAgent(s.userAgent)

		status, raw, errs := agent.Bytes()
		location := string(resp.Header.Peek(fiber.HeaderLocation))
		body := append([]byte(nil), raw...)
		fiber.ReleaseResponse(resp)

		if len(errs) > 0 {
			return nil, nil, errors.Join(errs...)
		}
		if status >= fiber.StatusMultipleChoices && status < fiber.StatusBadRequest && location != "" {
			next, err := current.Parse(location)
			if err != nil {
				return nil, nil, err
			}
			current = next
			continue
		}
		if status >= fiber.StatusBadRequest {
			return nil, nil, fmt.Errorf("%w: %d", errUpstreamStatus, status)
		}
		return body, current, nil
	}
	return nil, nil, errTooManyRedirects
}

// Extract reads title and favicon from an HTML document. Title prefers
// <title>, then og:title, and is empty when neither exists. The icon prefers
// rel="icon", then rel="shortcut icon", resolved against base.
func Extract(body []byte, base *url.URL) (model.Metadata, error) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return model.Metadata{}, err
	}

	var (
		title, ogTitle     string
		icon, shortcutIcon string
	)
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "title":
				if title == "" {
					title = strings.TrimSpace(textOf(n))
				}
			case "meta":
				if ogTitle == "" && attr(n, "property") == "og:title" {
					ogTitle = strings.TrimSpace(attr(n, "content"))
				}
			case "link":
				rel := strings.ToLower(strings.TrimSpace(attr(n, "rel")))
				href := strings.TrimSpace(attr(n, "href"))
				switch {
				case href == "":
				case rel == "icon" && icon == "":
					icon = href
				case rel == "shortcut icon" && shortcutIcon == "":
					shortcutIcon = href
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	meta := model.Metadata{Title: title}
	if meta.Title == "" {
		meta.Title = ogTitle
	}

	if icon == "" {
		icon = shortcutIcon
	}
	if icon != "" {
		if ref, err := url.Parse(icon); err == nil {
			resolved := base.ResolveReference(ref).String()
			meta.Icon = &resolved
		}
	}
	return meta, nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return a.Val
		}
	}
	return ""
}

func textOf(n *html.Node) string {
	var sb strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.TextNode {
			sb.WriteString(c.Data)
		}
	}
	return sb.String()
}

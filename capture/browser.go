package capture

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/net/html"
)

// BrowserOptions tunes page rendering in headless Chrome.
type BrowserOptions struct {
	// ExecPath overrides the Chrome binary lookup.
	ExecPath string
	// WaitSelector is awaited (visible) after the body is ready.
	WaitSelector string
	// NetworkIdle waits until no request has been active for this long.
	NetworkIdle time.Duration
	// Settle is an extra pause before the snapshot.
	Settle time.Duration
}

// BrowserSource renders pages in headless Chrome and snapshots the rendered
// DOM together with the computed style the sanitizer and assembler need.
type BrowserSource struct {
	allocator context.Context
	cancel    context.CancelFunc
	logger    *zap.Logger
	opts      BrowserOptions
}

// NewBrowserSource starts a Chrome allocator. Close releases it.
func NewBrowserSource(logger *zap.Logger, opts BrowserOptions) *BrowserSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	flags := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("mute-audio", true),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("no-default-browser-check", true),
		chromedp.Flag("disable-background-networking", true),
		chromedp.Flag("disable-sync", true),
		chromedp.Flag("disable-translate", true),
		chromedp.Flag("disable-extensions", true),
	)
	if opts.ExecPath != "" {
		flags = append(flags, chromedp.ExecPath(opts.ExecPath))
	}
	allocCtx, cancel := chromedp.NewExecAllocator(context.Background(), flags...)
	return &BrowserSource{
		allocator: allocCtx,
		cancel:    cancel,
		logger:    logger.Named("browser"),
		opts:      opts,
	}
}

// Close stops the browser.
func (b *BrowserSource) Close() {
	if b.cancel != nil {
		b.cancel()
	}
}

// annotateScript marks every element with its computed position and float
// and reports backgrounds and the CSSOM of inline sheets.
const annotateScript = `(() => {
  for (const el of document.querySelectorAll('*')) {
    const cs = getComputedStyle(el);
    el.setAttribute('` + attrPosition + `', cs.position);
    el.setAttribute('` + attrFloat + `', cs.float);
  }
  const bg = (el) => {
    if (!el) return null;
    const cs = getComputedStyle(el);
    return {color: cs.backgroundColor, image: cs.backgroundImage, repeat: cs.backgroundRepeat,
            position: cs.backgroundPosition, size: cs.backgroundSize, attachment: cs.backgroundAttachment};
  };
  const sheets = [];
  for (const s of Array.from(document.styleSheets)) {
    let text = '';
    if (!s.href) {
      try { text = Array.from(s.cssRules).map(r => r.cssText).join('\n'); } catch (e) {}
    }
    sheets.push({href: s.href || '', text: text, media: s.media ? s.media.mediaText : ''});
  }
  return {
    title: document.title,
    lang: document.documentElement.lang || '',
    root: bg(document.documentElement),
    body: bg(document.body),
    container: bg(document.querySelector('` + layoutContainers + `') || document.body),
    sheets: sheets
  };
})()`

type renderedBackground struct {
	Color      string `json:"color"`
	Image      string `json:"image"`
	Repeat     string `json:"repeat"`
	Position   string `json:"position"`
	Size       string `json:"size"`
	Attachment string `json:"attachment"`
}

func (r *renderedBackground) background() Background {
	if r == nil {
		return Background{}
	}
	return Background{
		Color:      r.Color,
		Image:      r.Image,
		Repeat:     r.Repeat,
		Position:   r.Position,
		Size:       r.Size,
		Attachment: r.Attachment,
	}
}

type renderedPage struct {
	Title     string              `json:"title"`
	Lang      string              `json:"lang"`
	Root      *renderedBackground `json:"root"`
	Body      *renderedBackground `json:"body"`
	Container *renderedBackground `json:"container"`
	Sheets    []struct {
		Href  string `json:"href"`
		Text  string `json:"text"`
		Media string `json:"media"`
	} `json:"sheets"`
}

func (b *BrowserSource) Load(ctx context.Context, target string, f *Fetcher) (*Document, error) {
	if strings.TrimSpace(target) == "" {
		return nil, fmt.Errorf("browser: empty target url")
	}
	taskCtx, cancelBrowser := chromedp.NewContext(b.allocator)
	defer cancelBrowser()

	var cancel context.CancelFunc
	taskCtx, cancel = context.WithCancel(taskCtx)
	defer cancel()
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-taskCtx.Done():
		}
	}()

	var mu sync.Mutex
	active := 0
	lastActivity := time.Now()
	chromedp.ListenTarget(taskCtx, func(ev interface{}) {
		switch ev.(type) {
		case *network.EventRequestWillBeSent:
			mu.Lock()
			active++
			lastActivity = time.Now()
			mu.Unlock()
		case *network.EventLoadingFinished, *network.EventLoadingFailed:
			mu.Lock()
			if active > 0 {
				active--
			}
			lastActivity = time.Now()
			mu.Unlock()
		}
	})

	hdr := f.Header()
	actions := []chromedp.Action{network.Enable()}
	if ua := hdr.Get("User-Agent"); ua != "" {
		actions = append(actions, chromedp.ActionFunc(func(ctx context.Context) error {
			return emulation.SetUserAgentOverride(ua).Do(ctx)
		}))
		hdr.Del("User-Agent")
	}
	hdr.Del("Accept-Encoding")
	if len(hdr) > 0 {
		extra := network.Headers{}
		for k, vs := range hdr {
			if len(vs) > 0 {
				extra[http.CanonicalHeaderKey(k)] = strings.Join(vs, ", ")
			}
		}
		actions = append(actions, chromedp.ActionFunc(func(ctx context.Context) error {
			return network.SetExtraHTTPHeaders(extra).Do(ctx)
		}))
	}
	if params := cookieParams(f.Jar(), target); len(params) > 0 {
		actions = append(actions, chromedp.ActionFunc(func(ctx context.Context) error {
			return network.SetCookies(params).Do(ctx)
		}))
	}

	actions = append(actions,
		chromedp.Navigate(target),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if sel := strings.TrimSpace(b.opts.WaitSelector); sel != "" {
		actions = append(actions, chromedp.WaitVisible(sel, chromedp.ByQuery))
	}
	if idle := b.opts.NetworkIdle; idle > 0 {
		actions = append(actions, chromedp.ActionFunc(func(ctx context.Context) error {
			ticker := time.NewTicker(50 * time.Millisecond)
			defer ticker.Stop()
			for {
				mu.Lock()
				n, since := active, time.Since(lastActivity)
				mu.Unlock()
				if n == 0 && since >= idle {
					return nil
				}
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-ticker.C:
				}
			}
		}))
	}
	if b.opts.Settle > 0 {
		actions = append(actions, chromedp.Sleep(b.opts.Settle))
	}

	var finalURL, outer string
	var page renderedPage
	actions = append(actions,
		chromedp.Location(&finalURL),
		chromedp.Evaluate(annotateScript, &page),
		chromedp.OuterHTML("html", &outer, chromedp.ByQuery),
	)
	if err := chromedp.Run(taskCtx, actions...); err != nil {
		return nil, fmt.Errorf("browser: %w", err)
	}
	if finalURL == "" {
		finalURL = target
	}
	b.logger.Debug("page rendered", zap.String("url", finalURL), zap.Int("bytes", len(outer)), zap.Int("sheets", len(page.Sheets)))

	root, err := html.Parse(strings.NewReader("<!DOCTYPE html>" + outer))
	if err != nil {
		return nil, fmt.Errorf("browser: parse snapshot: %w", err)
	}
	u, err := url.Parse(finalURL)
	if err != nil {
		return nil, fmt.Errorf("browser: final url: %w", err)
	}
	doc := newDocument(root, u)
	doc.Title = page.Title
	if page.Lang != "" {
		doc.Lang = page.Lang
	}
	doc.Sheets = make([]SheetSource, 0, len(page.Sheets))
	for _, s := range page.Sheets {
		doc.Sheets = append(doc.Sheets, SheetSource{Href: s.Href, Text: s.Text, Media: s.Media})
	}
	doc.Backgrounds = &Backgrounds{
		Root:      page.Root.background(),
		Body:      page.Body.background(),
		Container: page.Container.background(),
	}
	doc.Annotated = true
	return doc, nil
}

func cookieParams(jar http.CookieJar, target string) []*network.CookieParam {
	if jar == nil {
		return nil
	}
	u, err := url.Parse(target)
	if err != nil {
		return nil
	}
	cookies := jar.Cookies(u)
	params := make([]*network.CookieParam, 0, len(cookies))
	for _, c := range cookies {
		p := &network.CookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HttpOnly,
		}
		if p.Domain == "" {
			p.Domain = u.Hostname()
		}
		if p.Path == "" {
			p.Path = "/"
		}
		if !c.Expires.IsZero() {
			exp := cdp.TimeSinceEpoch(c.Expires.UTC())
			p.Expires = &exp
		}
		params = append(params, p)
	}
	return params
}

// Package capture saves a web page as one self-contained HTML file.
//
// A capture loads the live page through a Source, inlines its stylesheets,
// strips injected chrome from a private clone of the tree, inlines its images
// as data: URIs and assembles the result together with the redirect guard.
// Stages run strictly in that order; fetches within a stage fan out.
package capture

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/andybalholm/cascadia"
	"go.uber.org/zap"
	"golang.org/x/net/html"
)

var (
	// ErrTimeout is returned when a capture does not finish within
	// Options.Timeout. No partial result is produced.
	ErrTimeout = errors.New("capture: timed out")
	// ErrCaptureInProgress is returned when Capture is called while
	// another capture of the same Capturer is running.
	ErrCaptureInProgress = errors.New("capture: another capture is in progress")
	// ErrNoDocument is returned when the source yields no page.
	ErrNoDocument = errors.New("capture: no document")
)

// Stage names a pipeline step.
type Stage string

const (
	StageLoad     Stage = "loading page"
	StageStyles   Stage = "collecting styles"
	StageContent  Stage = "processing content"
	StageImages   Stage = "processing images"
	StageAssemble Stage = "generating file"
)

// Progress is a pipeline update. Done and Total are only set for the image
// stage.
type Progress struct {
	Stage Stage
	Done  int
	Total int
}

func (p Progress) String() string {
	if p.Total > 0 {
		return string(p.Stage) + " (" + strconv.Itoa(p.Done) + "/" + strconv.Itoa(p.Total) + ")"
	}
	return string(p.Stage)
}

// Stats describes what a capture did.
type Stats struct {
	Stylesheets    int
	ImagesTotal    int
	ImagesInlined  int
	ImagesFailed   int
	NodesRemoved   int
	RemoveFailures int
	LinksRewritten int
	Duration       time.Duration
}

// Result is a finished capture.
type Result struct {
	URL      string
	Title    string
	Filename string
	HTML     string
	Stats    Stats
}

// Capturer runs captures one at a time.
type Capturer struct {
	opts  Options
	guard string
	busy  atomic.Bool
}

// NewCapturer validates opts and renders the redirect guard.
func NewCapturer(opts Options) (*Capturer, error) {
	opts = opts.withDefaults()
	if !opts.Rules.compiled() {
		if err := opts.Rules.Compile(); err != nil {
			return nil, err
		}
	}
	guard, err := opts.Guard.Script()
	if err != nil {
		return nil, fmt.Errorf("capture: %w", err)
	}
	return &Capturer{opts: opts, guard: guard}, nil
}

// Capture saves target. A second call while one is running fails with
// ErrCaptureInProgress. When the timeout fires the capture returns ErrTimeout
// at once and the abandoned work is cancelled; its result is discarded.
func (c *Capturer) Capture(ctx context.Context, target string) (*Result, error) {
	if !c.busy.CompareAndSwap(false, true) {
		return nil, ErrCaptureInProgress
	}
	defer c.busy.Store(false)

	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	type outcome struct {
		res *Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := c.run(ctx, target)
		done <- outcome{res, err}
	}()

	select {
	case o := <-done:
		if o.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return o.res, o.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			c.opts.Logger.Warn("capture timed out", zap.String("url", target), zap.Duration("timeout", c.opts.Timeout))
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("capture: %w", ctx.Err())
	}
}

func (c *Capturer) report(ctx context.Context, p Progress) {
	if c.opts.Progress == nil || ctx.Err() != nil {
		return
	}
	c.opts.Progress(p)
}

func (c *Capturer) run(ctx context.Context, target string) (*Result, error) {
	start := time.Now()
	log := c.opts.Logger.With(zap.String("url", target))
	f := newFetcher(c.opts)

	c.report(ctx, Progress{Stage: StageLoad})
	doc, err := c.opts.Source.Load(ctx, target, f)
	if err != nil {
		return nil, fmt.Errorf("capture: load %s: %w", target, err)
	}
	if doc == nil || doc.Root == nil {
		return nil, fmt.Errorf("capture: %s: %w", target, ErrNoDocument)
	}

	in := newInliner(f, c.opts)
	c.report(ctx, Progress{Stage: StageStyles})
	styles := in.Styles(ctx, doc)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.report(ctx, Progress{Stage: StageContent})
	ss := NewStylesheet(styles.Fragments, c.opts.ScreenW, c.opts.ScreenH, log.Named("css"))
	snapshot := doc.Clone()
	ensureBody(snapshot, doc.Body())
	sanitizer := NewSanitizer(c.opts.Rules, doc.Resolve, log.Named("sanitize"))
	srep := sanitizer.Sanitize(NewElement(findFirstByTag(snapshot, "html"), ss, doc.Annotated))
	stripAnnotations(snapshot)

	imgs := in.Images(ctx, snapshot, doc, func(done, total int) {
		c.report(ctx, Progress{Stage: StageImages, Done: done, Total: total})
	})
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.report(ctx, Progress{Stage: StageAssemble})
	bodyNode := findFirstByTag(snapshot, "body")
	if bodyNode == nil {
		log.Warn("snapshot lost its body, using the live body")
		bodyNode = doc.Body()
	}
	var body string
	if bodyNode != nil {
		if body, err = renderChildren(bodyNode); err != nil {
			return nil, fmt.Errorf("capture: serialize body: %w", err)
		}
	}

	bgs := doc.Backgrounds
	if bgs == nil {
		bgs = cascadeBackgrounds(doc, ss)
	}
	out, err := Assemble(AssembleInput{
		Lang:        doc.Lang,
		Title:       doc.Title,
		Styles:      styles,
		Backgrounds: *bgs,
		Body:        body,
		Guard:       c.guard,
	})
	if err != nil {
		return nil, fmt.Errorf("capture: %w", err)
	}

	res := &Result{
		URL:      doc.URL,
		Title:    doc.Title,
		Filename: Filename(doc.Title),
		HTML:     out,
		Stats: Stats{
			Stylesheets:    len(styles.Fragments),
			ImagesTotal:    imgs.Total,
			ImagesInlined:  imgs.Inlined,
			ImagesFailed:   imgs.Failed,
			NodesRemoved:   srep.Removed,
			RemoveFailures: srep.RemoveFailures,
			LinksRewritten: srep.LinksRewritten,
			Duration:       time.Since(start),
		},
	}
	log.Info("capture complete",
		zap.String("file", res.Filename),
		zap.Int("bytes", len(out)),
		zap.Int("stylesheets", res.Stats.Stylesheets),
		zap.Int("images_inlined", res.Stats.ImagesInlined),
		zap.Int("images_failed", res.Stats.ImagesFailed),
		zap.Int("nodes_removed", res.Stats.NodesRemoved),
		zap.Duration("took", res.Stats.Duration),
	)
	return res, nil
}

var layoutContainerSel = cascadia.MustCompile(layoutContainers)

// cascadeBackgrounds derives the backgrounds of the live page from the style
// cascade when the source could not compute them.
func cascadeBackgrounds(doc *Document, ss *Stylesheet) *Backgrounds {
	bgs := &Backgrounds{}
	base := doc.baseString()
	read := func(n *html.Node) Background {
		if n == nil {
			return Background{}
		}
		return Background{
			Color:      ss.ComputedValue(n, "background-color"),
			Image:      absolutizeURLs(ss.ComputedValue(n, "background-image"), base),
			Repeat:     ss.ComputedValue(n, "background-repeat"),
			Position:   ss.ComputedValue(n, "background-position"),
			Size:       ss.ComputedValue(n, "background-size"),
			Attachment: ss.ComputedValue(n, "background-attachment"),
		}
	}
	bgs.Root = read(findFirstByTag(doc.Root, "html"))
	body := doc.Body()
	bgs.Body = read(body)
	container := cascadia.Query(doc.Root, layoutContainerSel)
	if container == nil {
		container = body
	}
	bgs.Container = read(container)
	return bgs
}

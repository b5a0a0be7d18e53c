package portal

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/jmpublishing/bookpress/internal/config"
	"github.com/jmpublishing/bookpress/internal/retry"
	"github.com/jmpublishing/bookpress/internal/types"
)

// Form selectors on the portal pages.
const (
	selEmail       = `input[name="email"]`
	selPassword    = `input[name="password"]`
	selSubmit      = `button[type="submit"]`
	selTitle       = `input[name="title"]`
	selSubtitle    = `input[name="subtitle"]`
	selAuthor      = `input[name="author"]`
	selLanguage    = `select[name="language"]`
	selPubYear     = `input[name="publication_year"]`
	selAgeRating   = `select[name="age_rating"]`
	selDescription = `textarea[name="description"]`
	selKeywords    = `input[name="keywords"]`
	selCategory    = `select[name="category"]`
	selPriceUSD    = `input[name="price_usd"]`
	selPriceEUR    = `input[name="price_eur"]`
	selBookUpload  = `input[name="epub_file"]`
	selCoverUpload = `input[name="cover_image"]`
	selUploadList  = `.uploaded-files`
	selIsbnOption  = `select[name="isbn_option"]`
	selIsbnAssign  = `button[data-action="assign-isbn"]`
	selIsbn        = `.isbn`
	selPublishBtn  = `button[data-action="publish"]`
	selConfirmBox  = `.publish-confirmation`
)

// verifyAttempts bounds read-back retries within a single transition.
const verifyAttempts = 3

// MismatchError reports a read-back that did not match what was written.
type MismatchError struct {
	Selector string
	Want     string
	Got      string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("verification mismatch on %s: wrote %q, read back %q", e.Selector, e.Want, e.Got)
}

// Request carries everything one publish needs.
type Request struct {
	Metadata  *types.PortalMetadata
	EpubPath  string
	PdfPath   string
	CoverPath string
	// ResumeFrom is the last confirmed state of a previous attempt. The flow
	// continues from the screen after it.
	ResumeFrom State
	// DraftURL is the book form URL captured when metadata was entered.
	// Required to resume past MetadataEntered in a fresh session.
	DraftURL string
}

// Result is the outcome of a publish walk.
type Result struct {
	Confirmed     bool
	FinalState    State
	ISBN          string
	PublishingURL string
	// DraftURL is the book form URL, captured after metadata entry so a
	// later resume can return to the same draft.
	DraftURL string
	// ConfirmedScreens lists every state verified during this walk, in order.
	ConfirmedScreens []State
	Snapshots        []string
}

// Machine walks the publishing flow one verified transition at a time.
type Machine struct {
	driver Driver
	cfg    config.PortalConfig

	screenshotsDir string
	runID          string

	// OnConfirmed is called after each transition is verified, before the
	// next one starts, with a snapshot of the walk so far. Used to
	// checkpoint progress durably.
	OnConfirmed func(ctx context.Context, state State, snapshot Result) error
}

// NewMachine creates a publishing state machine for one run.
func NewMachine(driver Driver, cfg config.PortalConfig, screenshotsDir, runID string) *Machine {
	return &Machine{driver: driver, cfg: cfg, screenshotsDir: screenshotsDir, runID: runID}
}

// Publish walks the flow from req.ResumeFrom to Confirmed. Once the flow has
// reached Submitted it is never re-entered: a resume from Submitted or later
// goes straight to confirmation so the portal cannot receive a duplicate
// submission.
func (m *Machine) Publish(ctx context.Context, req Request) (*Result, error) {
	if req.Metadata == nil {
		return nil, retry.Permanent(fmt.Errorf("portal metadata is required"))
	}

	result := &Result{FinalState: req.ResumeFrom, DraftURL: req.DraftURL}
	start := stateIndex(req.ResumeFrom) + 1
	if start <= 0 {
		// Unknown or empty resume state restarts the whole flow.
		start = stateIndex(StateLoggedIn)
	}

	// Never re-enter submission. A resume that already submitted goes
	// straight to reading the confirmation.
	if stateIndex(req.ResumeFrom) >= stateIndex(StateSubmitted) {
		start = stateIndex(StateConfirmed)
	}

	// A resume starts with a fresh browser session, so it must log in again
	// and return to the draft before continuing mid-flow.
	if start > stateIndex(StateLoggedIn) {
		if err := m.transition(ctx, StateLoggedIn, req, result); err != nil {
			result.FinalState = StateAborted
			return result, err
		}
		if start > stateIndex(StateMetadataEntered)+1 && req.DraftURL != "" {
			if err := m.driver.Navigate(ctx, req.DraftURL); err != nil {
				result.FinalState = StateAborted
				return result, retry.Transient(fmt.Errorf("failed to reopen draft: %w", err))
			}
		}
	}

	for i := start; i < len(stateOrder); i++ {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if err := m.transition(ctx, stateOrder[i], req, result); err != nil {
			result.FinalState = StateAborted
			return result, err
		}
	}

	result.Confirmed = true
	return result, nil
}

// transition performs one state's actions, verifies the page agrees, records
// the confirmation, then checkpoints through OnConfirmed.
func (m *Machine) transition(ctx context.Context, target State, req Request, result *Result) error {
	var err error
	switch target {
	case StateLoggedIn:
		err = m.login(ctx)
	case StateMetadataEntered:
		err = m.enterMetadata(ctx, req.Metadata, result)
	case StateFilesUploaded:
		err = m.uploadBook(ctx, req)
	case StateCoverUploaded:
		err = m.uploadCover(ctx, req)
	case StateIsbnAssigned:
		err = m.assignIsbn(ctx, req.Metadata, result)
	case StateSubmitted:
		err = m.submit(ctx)
	case StateConfirmed:
		err = m.confirm(ctx, result)
	default:
		return retry.Permanent(fmt.Errorf("no transition to state %q", target))
	}

	if err != nil {
		m.snapshot(ctx, fmt.Sprintf("%s_failed", target), result)
		return err
	}

	result.FinalState = target
	result.ConfirmedScreens = append(result.ConfirmedScreens, target)
	m.snapshot(ctx, string(target), result)

	if m.OnConfirmed != nil {
		if err := m.OnConfirmed(ctx, target, *result); err != nil {
			return fmt.Errorf("failed to checkpoint state %s: %w", target, err)
		}
	}
	return nil
}

func (m *Machine) login(ctx context.Context) error {
	if err := m.driver.Navigate(ctx, m.cfg.URL+"/login"); err != nil {
		return retry.Transient(fmt.Errorf("failed to open login page: %w", err))
	}
	if err := m.fillVerified(ctx, selEmail, m.cfg.Email); err != nil {
		return err
	}
	// Password fields cannot be read back; write-only.
	if err := m.driver.Fill(ctx, selPassword, m.cfg.Password); err != nil {
		return retry.Transient(fmt.Errorf("failed to fill password: %w", err))
	}
	if err := m.driver.Click(ctx, selSubmit); err != nil {
		return retry.Transient(fmt.Errorf("failed to submit login: %w", err))
	}

	return m.verify(ctx, func(ctx context.Context) error {
		url, err := m.driver.CurrentURL(ctx)
		if err != nil {
			return err
		}
		if !strings.Contains(url, "hub") && !strings.Contains(url, "dashboard") {
			return &MismatchError{Selector: "location", Want: "hub or dashboard", Got: url}
		}
		return nil
	})
}

// enterMetadata fills the book form in its fixed field order and verifies
// each readable field before moving to the next.
func (m *Machine) enterMetadata(ctx context.Context, meta *types.PortalMetadata, result *Result) error {
	if err := m.driver.Navigate(ctx, m.cfg.URL+"/hub/books/add"); err != nil {
		return retry.Transient(fmt.Errorf("failed to open book form: %w", err))
	}

	fills := []struct {
		selector string
		value    string
		isSelect bool
	}{
		{selTitle, meta.Title, false},
		{selSubtitle, meta.Subtitle, false},
		{selAuthor, meta.Author, false},
		{selLanguage, meta.Language, true},
		{selPubYear, fmt.Sprintf("%d", meta.PublicationYear), false},
		{selAgeRating, meta.AgeRating, true},
		{selDescription, meta.Synopsis, false},
		{selKeywords, meta.KeywordString(), false},
		{selPriceUSD, fmt.Sprintf("%.2f", meta.PriceUSD), false},
		{selPriceEUR, fmt.Sprintf("%.2f", meta.PriceEUR), false},
	}

	for _, f := range fills {
		if f.value == "" {
			continue
		}
		var err error
		if f.isSelect {
			err = m.selectVerified(ctx, f.selector, f.value)
		} else {
			err = m.fillVerified(ctx, f.selector, f.value)
		}
		if err != nil {
			return err
		}
	}

	if len(meta.Categories) > 0 {
		if err := m.selectVerified(ctx, selCategory, meta.Categories[0].Name); err != nil {
			return err
		}
	}

	// The form URL now carries the draft id; a later resume returns here.
	if url, err := m.driver.CurrentURL(ctx); err == nil {
		result.DraftURL = url
	}
	return nil
}

func (m *Machine) uploadBook(ctx context.Context, req Request) error {
	path := req.EpubPath
	if path == "" {
		path = req.PdfPath
	}
	if path == "" {
		return retry.Permanent(fmt.Errorf("no book file to upload"))
	}
	return m.uploadVerified(ctx, selBookUpload, path)
}

func (m *Machine) uploadCover(ctx context.Context, req Request) error {
	if req.CoverPath == "" {
		// Cover was skipped upstream; the portal accepts books without one.
		return nil
	}
	return m.uploadVerified(ctx, selCoverUpload, req.CoverPath)
}

func (m *Machine) assignIsbn(ctx context.Context, meta *types.PortalMetadata, result *Result) error {
	option := meta.IsbnOption
	if option == "" {
		option = "free"
	}
	if err := m.selectVerified(ctx, selIsbnOption, option); err != nil {
		return err
	}
	if err := m.driver.Click(ctx, selIsbnAssign); err != nil {
		return retry.Transient(fmt.Errorf("failed to request isbn: %w", err))
	}

	return m.verify(ctx, func(ctx context.Context) error {
		isbn, err := m.readIsbn(ctx)
		if err != nil {
			return err
		}
		if isbn == "" {
			return &MismatchError{Selector: selIsbn, Want: "assigned isbn", Got: ""}
		}
		result.ISBN = isbn
		return nil
	})
}

func (m *Machine) submit(ctx context.Context) error {
	if err := m.driver.Click(ctx, selPublishBtn); err != nil {
		return retry.Transient(fmt.Errorf("failed to click publish: %w", err))
	}

	return m.verify(ctx, func(ctx context.Context) error {
		text, err := m.driver.ReadText(ctx, selConfirmBox)
		if err != nil {
			return err
		}
		if text == "" {
			return &MismatchError{Selector: selConfirmBox, Want: "submission acknowledgement", Got: ""}
		}
		return nil
	})
}

func (m *Machine) confirm(ctx context.Context, result *Result) error {
	err := m.verify(ctx, func(ctx context.Context) error {
		text, err := m.driver.ReadText(ctx, selConfirmBox)
		if err != nil {
			return err
		}
		lower := strings.ToLower(text)
		if !strings.Contains(lower, "published") && !strings.Contains(lower, "submitted") && !strings.Contains(lower, "success") {
			return &MismatchError{Selector: selConfirmBox, Want: "publish confirmation", Got: text}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if result.ISBN == "" {
		if isbn, err := m.readIsbn(ctx); err == nil {
			result.ISBN = isbn
		}
	}
	if url, err := m.driver.CurrentURL(ctx); err == nil {
		result.PublishingURL = url
	}
	return nil
}

// fillVerified writes a field, reads it back, and retries the write when the
// page disagrees.
func (m *Machine) fillVerified(ctx context.Context, selector, value string) error {
	var lastErr error
	for attempt := 0; attempt < verifyAttempts; attempt++ {
		if err := m.driver.Fill(ctx, selector, value); err != nil {
			lastErr = retry.Transient(fmt.Errorf("failed to fill %s: %w", selector, err))
			continue
		}
		got, err := m.driver.ReadValue(ctx, selector)
		if err != nil {
			lastErr = retry.Transient(fmt.Errorf("failed to read back %s: %w", selector, err))
			continue
		}
		if got == value {
			return nil
		}
		lastErr = &MismatchError{Selector: selector, Want: value, Got: got}
	}
	return retry.Permanent(lastErr)
}

func (m *Machine) selectVerified(ctx context.Context, selector, value string) error {
	var lastErr error
	for attempt := 0; attempt < verifyAttempts; attempt++ {
		if err := m.driver.SelectOption(ctx, selector, value); err != nil {
			lastErr = retry.Transient(fmt.Errorf("failed to select %s: %w", selector, err))
			continue
		}
		got, err := m.driver.ReadValue(ctx, selector)
		if err != nil {
			lastErr = retry.Transient(fmt.Errorf("failed to read back %s: %w", selector, err))
			continue
		}
		if got == value {
			return nil
		}
		lastErr = &MismatchError{Selector: selector, Want: value, Got: got}
	}
	return retry.Permanent(lastErr)
}

// uploadVerified uploads a file and verifies its name appears in the upload
// list. The upload itself is performed once; only the verification polls.
func (m *Machine) uploadVerified(ctx context.Context, selector, path string) error {
	if err := m.driver.UploadFile(ctx, selector, path); err != nil {
		return retry.Transient(fmt.Errorf("upload via %s failed: %w", selector, err))
	}

	name := filepath.Base(path)
	return m.verify(ctx, func(ctx context.Context) error {
		text, err := m.driver.ReadText(ctx, selUploadList)
		if err != nil {
			return err
		}
		if !strings.Contains(text, name) {
			return &MismatchError{Selector: selUploadList, Want: name, Got: text}
		}
		return nil
	})
}

// verify polls a check a bounded number of times. Exhaustion is permanent:
// the page is in a state we cannot trust, so blind retries must stop.
func (m *Machine) verify(ctx context.Context, check func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < verifyAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(2 * time.Second):
			}
		}
		if lastErr = check(ctx); lastErr == nil {
			return nil
		}
	}
	return retry.Permanent(lastErr)
}

// readIsbn extracts the assigned ISBN from the page, tolerating label text
// around the number.
func (m *Machine) readIsbn(ctx context.Context) (string, error) {
	html, err := m.driver.PageHTML(ctx)
	if err != nil {
		return "", err
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", fmt.Errorf("failed to parse page: %w", err)
	}

	text := strings.TrimSpace(doc.Find(selIsbn).First().Text())
	if idx := strings.LastIndex(text, "ISBN"); idx >= 0 {
		text = strings.TrimSpace(strings.TrimPrefix(text[idx:], "ISBN"))
		text = strings.TrimLeft(text, ":")
		text = strings.TrimSpace(text)
	}
	return text, nil
}

// snapshot captures a diagnostic screenshot, best effort.
func (m *Machine) snapshot(ctx context.Context, label string, result *Result) {
	path := filepath.Join(m.screenshotsDir, fmt.Sprintf("%s_%s.png", m.runID, label))
	if err := m.driver.Snapshot(ctx, path); err != nil {
		return
	}
	result.Snapshots = append(result.Snapshots, path)
}

package consent

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/oddswatch/driver"
)

const cookieBannerHTML = `<html><body>
<div class="cookie-banner">
  We use cookies to improve your experience.
  <button id="accept-all">Accept</button>
</div>
<div class="match-header"><span>Manchester United</span></div>
</body></html>`

func TestDetectAndAcceptCookieBanner(t *testing.T) {
	page := driver.MustFakePage(t, cookieBannerHTML)
	page.OnClick = func(string) { page.RemoveFirst(".cookie-banner") }

	h := NewHandler()
	res, err := h.DetectAndAccept(context.Background(), page, 2*time.Second)
	if err != nil {
		t.Fatalf("detect and accept: %v", err)
	}
	if !res.Detected || res.Pattern != "cookie_banner" {
		t.Fatalf("result %+v", res)
	}
	if !res.Dismissed {
		t.Fatal("dialog removed after click should verify as dismissed")
	}
	if len(page.Clicked) != 1 {
		t.Fatalf("clicked %d times", len(page.Clicked))
	}
}

func TestDetectGDPRModal(t *testing.T) {
	page := driver.MustFakePage(t, `<html><body>
<div class="qc-cmp2-container">
  We process personal data with your consent.
  <div class="qc-cmp2-summary-buttons"><button>Agree</button></div>
</div>
</body></html>`)
	page.OnClick = func(string) { page.RemoveFirst(".qc-cmp2-container") }

	h := NewHandler()
	res, err := h.DetectAndAccept(context.Background(), page, 2*time.Second)
	if err != nil {
		t.Fatalf("detect and accept: %v", err)
	}
	if res.Pattern != "gdpr_modal" || !res.Dismissed {
		t.Fatalf("result %+v", res)
	}
}

func TestDetectByClassSubstring(t *testing.T) {
	// Matched only through the [class*=cookie-consent] arm of the bank.
	page := driver.MustFakePage(t, `<html><body>
<div class="site-cookie-consent-box">
  This site uses cookies for analytics.
  <button>Accept</button>
</div>
</body></html>`)
	page.OnClick = func(string) { page.RemoveFirst("[class*=cookie-consent]") }

	h := NewHandler()
	res, err := h.DetectAndAccept(context.Background(), page, 2*time.Second)
	if err != nil {
		t.Fatalf("detect and accept: %v", err)
	}
	if res.Pattern != "cookie_banner" || !res.Dismissed {
		t.Fatalf("result %+v", res)
	}
	if len(page.Clicked) != 1 || !strings.Contains(page.Clicked[0], "cookie-consent") {
		t.Fatalf("clicked %v", page.Clicked)
	}
}

func TestNoDialogIsSuccess(t *testing.T) {
	page := driver.MustFakePage(t, `<html><body><div class="match-header">Arsenal</div></body></html>`)

	h := NewHandler()
	res, err := h.DetectAndAccept(context.Background(), page, 300*time.Millisecond)
	if err != nil {
		t.Fatalf("absent dialog must not be an error: %v", err)
	}
	if res.Detected || res.Dismissed {
		t.Fatalf("result %+v", res)
	}
	if res.Elapsed < 250*time.Millisecond {
		t.Fatalf("detection gave up after %v", res.Elapsed)
	}
}

func TestHiddenDialogIsIgnored(t *testing.T) {
	page := driver.MustFakePage(t, `<html><body>
<div class="cookie-banner" style="display: none">cookies<button>Accept</button></div>
</body></html>`)

	h := NewHandler()
	res, err := h.DetectAndAccept(context.Background(), page, 300*time.Millisecond)
	if err != nil || res.Detected {
		t.Fatalf("hidden dialog detected: %+v, %v", res, err)
	}
}

func TestCustomPatternCheckedFirst(t *testing.T) {
	page := driver.MustFakePage(t, cookieBannerHTML)
	page.OnClick = func(string) { page.RemoveFirst(".cookie-banner") }

	h := NewHandler()
	if err := h.Register(Pattern{
		Name:           "site_specific",
		DialogSelector: ".cookie-banner",
		AcceptButton:   "#accept-all",
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	res, err := h.DetectAndAccept(context.Background(), page, 2*time.Second)
	if err != nil {
		t.Fatalf("detect and accept: %v", err)
	}
	if res.Pattern != "site_specific" {
		t.Fatalf("custom pattern should win, got %q", res.Pattern)
	}
}

func TestRegisterValidation(t *testing.T) {
	h := NewHandler()
	if err := h.Register(Pattern{Name: "incomplete"}); err == nil {
		t.Fatal("pattern without selectors must be rejected")
	}
}

func TestAcceptButtonMissing(t *testing.T) {
	// The dialog matches but carries no button, so the accept click
	// fails and surfaces.
	page := driver.MustFakePage(t, `<html><body>
<div role="dialog">Accept our terms to continue.</div>
</body></html>`)

	h := NewHandler()
	res, err := h.DetectAndAccept(context.Background(), page, 2*time.Second)
	if err == nil || !strings.Contains(err.Error(), "accept generic_modal") {
		t.Fatalf("expected accept failure, got %+v, %v", res, err)
	}
	if !res.Detected {
		t.Fatal("detection should be reported even when accept fails")
	}
}

func TestDialogSurvivingClickIsNotDismissed(t *testing.T) {
	// No OnClick hook, so the dialog stays in the DOM and the verify
	// pass times out.
	page := driver.MustFakePage(t, cookieBannerHTML)

	h := NewHandler()
	res, err := h.DetectAndAccept(context.Background(), page, 3*time.Second)
	if err != nil {
		t.Fatalf("detect and accept: %v", err)
	}
	if !res.Detected || res.Dismissed {
		t.Fatalf("result %+v", res)
	}
}

func TestWithoutDismissVerify(t *testing.T) {
	page := driver.MustFakePage(t, cookieBannerHTML)

	h := NewHandler(WithoutDismissVerify())
	res, err := h.DetectAndAccept(context.Background(), page, 2*time.Second)
	if err != nil {
		t.Fatalf("detect and accept: %v", err)
	}
	if !res.Detected || !res.Dismissed {
		t.Fatalf("result %+v", res)
	}
}

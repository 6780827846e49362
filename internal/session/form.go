package session

import (
	"errors"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/JakeFAU/crawlstream/internal/crawlapi"
)

// Validation messages shown to the user.
const (
	MsgEnterURL   = "Please enter website URL"
	MsgSelectMode = "Please select crawl mode"
	msgFillFields = "Please fill all required fields"
)

var targetURLPattern = regexp.MustCompile(`^https?://.+$`)

// Form is a crawl submission.
type Form struct {
	URL        string `json:"url" mapstructure:"url" validate:"required,targeturl"`
	CrawlMode  string `json:"crawl_mode" mapstructure:"crawl_mode" validate:"required,oneof=single all"`
	EnableMD   bool   `json:"enable_md" mapstructure:"enable_md"`
	EnableHTML bool   `json:"enable_html" mapstructure:"enable_html"`
	EnableSS   bool   `json:"enable_ss" mapstructure:"enable_ss"`
	EnableSEO  bool   `json:"enable_seo" mapstructure:"enable_seo"`
}

// ValidationError rejects a Form before any session is created.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// Mode maps the crawl_mode field to a session Mode.
func (f Form) Mode() Mode {
	if f.CrawlMode == string(ModeBatch) {
		return ModeBatch
	}
	return ModeSingle
}

// Options returns the feature toggles keyed by their wire names.
func (f Form) Options() map[string]bool {
	return map[string]bool{
		"enable_md":   f.EnableMD,
		"enable_html": f.EnableHTML,
		"enable_ss":   f.EnableSS,
		"enable_seo":  f.EnableSEO,
	}
}

// FormFromRecord rebuilds a Form from a stored target, mode and options.
func FormFromRecord(targetURL, mode string, options map[string]bool) Form {
	return Form{
		URL:        targetURL,
		CrawlMode:  mode,
		EnableMD:   options["enable_md"],
		EnableHTML: options["enable_html"],
		EnableSS:   options["enable_ss"],
		EnableSEO:  options["enable_seo"],
	}
}

func (f Form) request() crawlapi.SubmitRequest {
	return crawlapi.SubmitRequest{
		URL:        f.URL,
		CrawlMode:  f.CrawlMode,
		EnableMD:   f.EnableMD,
		EnableHTML: f.EnableHTML,
		EnableSS:   f.EnableSS,
		EnableSEO:  f.EnableSEO,
	}
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func formValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		_ = validate.RegisterValidation("targeturl", func(fl validator.FieldLevel) bool {
			return targetURLPattern.MatchString(fl.Field().String())
		})
	})
	return validate
}

// Validate trims the URL and checks the form. The URL is reported before
// the mode.
func (f *Form) Validate() error {
	f.URL = strings.TrimSpace(f.URL)
	f.CrawlMode = strings.TrimSpace(f.CrawlMode)

	err := formValidator().Struct(f)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return &ValidationError{Message: msgFillFields}
	}
	var modeErr *ValidationError
	for _, fe := range fieldErrs {
		switch fe.StructField() {
		case "URL":
			return &ValidationError{Field: "url", Message: MsgEnterURL}
		case "CrawlMode":
			modeErr = &ValidationError{Field: "crawl_mode", Message: MsgSelectMode}
		}
	}
	if modeErr != nil {
		return modeErr
	}
	return &ValidationError{Message: msgFillFields}
}

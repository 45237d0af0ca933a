package models

// Sync destinations.
const (
	DestinationGTM = "gtm"
	DestinationAds = "ads"
)

// Tracking types a recommendation can be converted into.
const (
	TrackingTypeClick      = "click"
	TrackingTypeForm       = "form"
	TrackingTypeCommerce   = "commerce"
	TrackingTypeEngagement = "engagement"
)

// recTypeToTracking maps the crawler's interaction vocabulary onto
// tracking types. Recommendations whose type is absent here cannot be
// accepted and are reported back as skipped.
var recTypeToTracking = map[string]string{
	"button_click":   TrackingTypeClick,
	"outbound_click": TrackingTypeClick,
	"phone_call":     TrackingTypeClick,
	"email_click":    TrackingTypeClick,
	"file_download":  TrackingTypeClick,
	"form_submit":    TrackingTypeForm,
	"form_start":     TrackingTypeForm,
	"purchase":       TrackingTypeCommerce,
	"add_to_cart":    TrackingTypeCommerce,
	"begin_checkout": TrackingTypeCommerce,
	"scroll_depth":   TrackingTypeEngagement,
	"video_play":     TrackingTypeEngagement,
}

// TrackingTypeFor resolves a recommendation type to its tracking type.
func TrackingTypeFor(recType string) (string, bool) {
	t, ok := recTypeToTracking[recType]
	return t, ok
}

// DestinationsFor expands the bulk-accept destination choice into the
// destination set stored on each tracking. Unknown choices yield nil.
func DestinationsFor(choice string) []string {
	switch choice {
	case DestinationGTM:
		return []string{DestinationGTM}
	case DestinationAds:
		return []string{DestinationAds}
	case "both":
		return []string{DestinationGTM, DestinationAds}
	}
	return nil
}

package gemini

import (
	"errors"

	"github.com/googleapis/gax-go/v2/apierror"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"

	"bbgodb/internal/apperr"
)

// classify maps Gemini client errors onto the provider error taxonomy.
func classify(err error) error {
	var apiErr *apierror.APIError
	if errors.As(err, &apiErr) {
		if code := apiErr.HTTPCode(); code > 0 {
			return apperr.FromHTTPStatus(code, err)
		}
		if st := apiErr.GRPCStatus(); st != nil {
			switch st.Code() {
			case codes.ResourceExhausted, codes.Unavailable, codes.DeadlineExceeded, codes.Aborted, codes.Internal:
				return apperr.Transient(err)
			default:
				return apperr.Permanent(err)
			}
		}
	}
	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		return apperr.FromHTTPStatus(gErr.Code, err)
	}
	return err
}

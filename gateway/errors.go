package gateway

import (
	"fmt"
	"net/http"
	"strings"

	"connectrpc.com/connect"
	"google.golang.org/genproto/googleapis/rpc/errdetails"

	"github.com/c360/connectgate/contract"
	"github.com/c360/connectgate/errors"
)

// ErrorDomain is the google.rpc.ErrorInfo domain of every gateway error
const ErrorDomain = "connectgate"

// StatusClientClosedRequest is the non-standard status for a caller that
// went away before the response was written.
const StatusClientClosedRequest = 499

// unknownLabel stands in for service and method on requests that never
// resolved to a contract.
const unknownLabel = "unknown"

// ConnectCode maps a failure kind to the connect/gRPC status code
func ConnectCode(kind errors.Kind) connect.Code {
	switch kind {
	case errors.KindNotFound:
		return connect.CodeNotFound
	case errors.KindBadRequest, errors.KindValidation, errors.KindUnsupportedEncoding:
		return connect.CodeInvalidArgument
	case errors.KindMethodNotAllowed:
		return connect.CodeUnimplemented
	case errors.KindUpstreamTimeout:
		return connect.CodeDeadlineExceeded
	case errors.KindUpstreamError:
		return connect.CodeUnknown
	case errors.KindUpstreamUnavailable, errors.KindNotReady:
		return connect.CodeUnavailable
	case errors.KindCanceled:
		return connect.CodeCanceled
	case errors.KindRateLimited:
		return connect.CodeResourceExhausted
	default:
		return connect.CodeInternal
	}
}

// HTTPStatus maps a failure kind to the status written for errors the
// front-end detects before connect takes over the request.
func HTTPStatus(kind errors.Kind) int {
	switch kind {
	case errors.KindNotFound:
		return http.StatusNotFound
	case errors.KindBadRequest, errors.KindValidation:
		return http.StatusBadRequest
	case errors.KindMethodNotAllowed:
		return http.StatusMethodNotAllowed
	case errors.KindUnsupportedEncoding:
		return http.StatusUnsupportedMediaType
	case errors.KindUpstreamTimeout:
		return http.StatusGatewayTimeout
	case errors.KindUpstreamError:
		return http.StatusBadGateway
	case errors.KindUpstreamUnavailable, errors.KindNotReady:
		return http.StatusServiceUnavailable
	case errors.KindCanceled:
		return StatusClientClosedRequest
	case errors.KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// ToConnectError converts err into a connect error carrying only the
// client-safe message, an ErrorInfo detail naming the kind and, for
// validation failures, a BadRequest detail with every field violation.
func ToConnectError(procedure string, err error) *connect.Error {
	kind := errors.KindOf(err)
	cerr := connect.NewError(ConnectCode(kind), fmt.Errorf("%s", errors.PublicMessage(err)))

	info := &errdetails.ErrorInfo{
		Reason: kind.String(),
		Domain: ErrorDomain,
	}
	if procedure != "" {
		info.Metadata = map[string]string{"procedure": procedure}
	}
	if detail, derr := connect.NewErrorDetail(info); derr == nil {
		cerr.AddDetail(detail)
	}

	var ge *errors.GatewayError
	if errors.As(err, &ge) && len(ge.Violations) > 0 {
		br := &errdetails.BadRequest{}
		for _, v := range ge.Violations {
			br.FieldViolations = append(br.FieldViolations, &errdetails.BadRequest_FieldViolation{
				Field:       v.Field,
				Description: v.Description,
			})
		}
		if detail, derr := connect.NewErrorDetail(br); derr == nil {
			cerr.AddDetail(detail)
		}
	}
	return cerr
}

// KindFromConnect recovers the failure kind from a connect error's
// ErrorInfo detail, falling back to the status code.
func KindFromConnect(err error) errors.Kind {
	var cerr *connect.Error
	if !errors.As(err, &cerr) {
		return errors.KindOf(err)
	}
	for _, d := range cerr.Details() {
		msg, derr := d.Value()
		if derr != nil {
			continue
		}
		if info, ok := msg.(*errdetails.ErrorInfo); ok && info.Domain == ErrorDomain {
			if kind, ok := errors.ParseKind(info.Reason); ok {
				return kind
			}
		}
	}
	switch cerr.Code() {
	case connect.CodeNotFound:
		return errors.KindNotFound
	case connect.CodeInvalidArgument:
		return errors.KindBadRequest
	case connect.CodeDeadlineExceeded:
		return errors.KindUpstreamTimeout
	case connect.CodeUnavailable:
		return errors.KindUpstreamUnavailable
	case connect.CodeCanceled:
		return errors.KindCanceled
	case connect.CodeResourceExhausted:
		return errors.KindRateLimited
	case connect.CodeUnimplemented:
		return errors.KindMethodNotAllowed
	case connect.CodeUnknown:
		return errors.KindUpstreamError
	}
	return errors.KindUnknown
}

// FieldViolations extracts the BadRequest detail from a connect error
func FieldViolations(err error) []errors.FieldViolation {
	var cerr *connect.Error
	if !errors.As(err, &cerr) {
		return nil
	}
	var out []errors.FieldViolation
	for _, d := range cerr.Details() {
		msg, derr := d.Value()
		if derr != nil {
			continue
		}
		if br, ok := msg.(*errdetails.BadRequest); ok {
			for _, v := range br.GetFieldViolations() {
				out = append(out, errors.FieldViolation{Field: v.GetField(), Description: v.GetDescription()})
			}
		}
	}
	return out
}

// writeError answers a request the front-end rejected before connect saw
// it. c is nil when no contract was resolved. The body uses the wire format
// of the request's protocol; for Connect and unrecognized protocols the HTTP
// status follows the kind.
func (g *Gateway) writeError(w http.ResponseWriter, r *http.Request, c *contract.Contract, err error) {
	kind := errors.KindOf(err)
	code := ConnectCode(kind).String()
	protocol := protocolOf(r)

	procedure, service, method := "", unknownLabel, unknownLabel
	if c != nil {
		procedure, service, method = c.Procedure(), string(c.ServiceName), c.Method
	}
	annotate(r.Context(), procedure, protocol, code)
	if g.metrics != nil {
		g.metrics.RecordRequest(service, method, protocol, code, 0)
	}

	var rw http.ResponseWriter = w
	if !isGRPC(r) {
		rw = &statusWriter{ResponseWriter: w, status: HTTPStatus(kind)}
	}
	if werr := g.errw.Write(rw, r, ToConnectError(procedure, err)); werr != nil {
		g.logger.Debug("Failed to write error response", "error", werr)
	}
}

// statusWriter replaces the status connect's error writer derives from
// the code with the front-end's own.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (s *statusWriter) WriteHeader(int) {
	s.ResponseWriter.WriteHeader(s.status)
}

func (s *statusWriter) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

func isGRPC(r *http.Request) bool {
	return strings.HasPrefix(r.Header.Get("Content-Type"), "application/grpc")
}

package echoapi

import (
	"time"

	"github.com/labstack/echo/v4"

	"github.com/trezcool/mtihani/core"
	"github.com/trezcool/mtihani/core/schedule"
)

const dateLayout = "2006-01-02"

// bindScope reads the common schedule query params. Dates are plain
// calendar days; a malformed date is a field error, not a 500.
func bindScope(ctx echo.Context) (schedule.Scope, error) {
	var scope schedule.Scope
	var flds []core.FieldError

	if raw := ctx.QueryParam("start_date"); raw != "" {
		from, err := time.ParseInLocation(dateLayout, raw, time.UTC)
		if err != nil {
			flds = append(flds, core.FieldError{Field: "start_date", Error: "must be a date in YYYY-MM-DD format"})
		} else {
			scope.From = from
		}
	}
	if raw := ctx.QueryParam("end_date"); raw != "" {
		to, err := time.ParseInLocation(dateLayout, raw, time.UTC)
		if err != nil {
			flds = append(flds, core.FieldError{Field: "end_date", Error: "must be a date in YYYY-MM-DD format"})
		} else {
			scope.To = to
		}
	}
	scope.RoomID = core.CleanString(ctx.QueryParam("room_id"))
	scope.SubjectCode = core.CleanString(ctx.QueryParam("subject_code"), true /* lower */)
	scope.Severity = schedule.Severity(core.CleanString(ctx.QueryParam("severity"), true /* lower */))

	if flds != nil {
		return scope, core.NewValidationError(nil, flds...)
	}
	return scope, nil
}

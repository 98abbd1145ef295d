package echoapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/mtihani/core"
	"github.com/trezcool/mtihani/core/schedule"
)

type scheduleApi struct {
	svc      *schedule.Service
	analyzer *schedule.Analyzer
}

func registerScheduleAPI(g *echo.Group, jwt echo.MiddlewareFunc, svc *schedule.Service, analyzer *schedule.Analyzer) {
	api := scheduleApi{svc: svc, analyzer: analyzer}

	sg := g.Group("/schedule", jwt)

	sg.GET("/overview", api.overview)
	sg.GET("/conflicts", api.conflicts)
	sg.GET("/unassigned", api.unassigned, adminMiddleware())

	eg := sg.Group("/exams/:id", adminMiddleware())
	eg.POST("/students", api.assignStudents)
	eg.DELETE("/students/:studentID", api.removeStudent)
	eg.POST("/proctors", api.assignProctors)
	eg.DELETE("/proctors/:proctorID", api.removeProctor)
}

func (api *scheduleApi) overview(ctx echo.Context) error {
	scope, err := bindScope(ctx)
	if err != nil {
		return err
	}
	summaries, err := api.svc.Overview(ctx.Request().Context(), scope)
	if err != nil {
		return errors.Wrap(err, "building schedule overview")
	}
	if summaries == nil {
		summaries = []schedule.ExamSummary{}
	}
	return ctx.JSON(http.StatusOK, summaries)
}

func (api *scheduleApi) conflicts(ctx echo.Context) error {
	scope, err := bindScope(ctx)
	if err != nil {
		return err
	}
	report, err := api.analyzer.Analyze(ctx.Request().Context(), scope)
	if err != nil {
		return errors.Wrap(err, "analyzing schedule")
	}
	if report.Findings == nil {
		report.Findings = []schedule.Finding{}
	}
	return ctx.JSON(http.StatusOK, report)
}

func (api *scheduleApi) unassigned(ctx echo.Context) error {
	scope, err := bindScope(ctx)
	if err != nil {
		return err
	}
	report, err := api.svc.Unassigned(ctx.Request().Context(), scope)
	if err != nil {
		return errors.Wrap(err, "listing unassigned")
	}
	return ctx.JSON(http.StatusOK, report)
}

func (api *scheduleApi) assignStudents(ctx echo.Context) error {
	actor, err := getContextActor(ctx)
	if err != nil {
		return err
	}

	var data schedule.AssignStudents
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to AssignStudents")
	}
	data.ExamID = core.CleanString(ctx.Param("id"))

	result, err := api.svc.AssignStudents(ctx.Request().Context(), actor, data)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, result)
}

func (api *scheduleApi) removeStudent(ctx echo.Context) error {
	actor, err := getContextActor(ctx)
	if err != nil {
		return err
	}

	result, err := api.svc.RemoveStudent(ctx.Request().Context(), actor, ctx.Param("id"), ctx.Param("studentID"))
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, result)
}

func (api *scheduleApi) assignProctors(ctx echo.Context) error {
	actor, err := getContextActor(ctx)
	if err != nil {
		return err
	}

	var data schedule.AssignProctors
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to AssignProctors")
	}
	data.ExamID = core.CleanString(ctx.Param("id"))

	result, err := api.svc.AssignProctors(ctx.Request().Context(), actor, data)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, result)
}

func (api *scheduleApi) removeProctor(ctx echo.Context) error {
	actor, err := getContextActor(ctx)
	if err != nil {
		return err
	}

	result, err := api.svc.RemoveProctor(ctx.Request().Context(), actor, ctx.Param("id"), ctx.Param("proctorID"))
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, result)
}

package schedule

import (
	"github.com/go-playground/validator/v10"

	"github.com/trezcool/mtihani/core"
)

var (
	proctorRoleTag  = "proctorrole"
	proctorRoleText = "invalid proctor role"
)

func init() {
	// register validators
	_ = core.Validate.RegisterValidation(proctorRoleTag, proctorRoleValidation)
	core.RegisterCustomTranslation(core.Validate, core.Translator, proctorRoleTag, proctorRoleText)
}

// Custom Validators

func proctorRoleValidation(fl validator.FieldLevel) bool {
	return ProctorRole(fl.Field().String()).Valid()
}

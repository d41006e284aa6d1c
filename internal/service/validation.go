package service

import (
	"errors"
	"fmt"
	"strings"

	"marketplace-fulfillment/internal/models"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("category", func(fl validator.FieldLevel) bool {
		return models.Category(fl.Field().String()).Valid()
	})
	_ = v.RegisterValidation("adjustment_type", func(fl validator.FieldLevel) bool {
		return models.AdjustmentType(fl.Field().String()).Valid()
	})
	_ = v.RegisterValidation("item_status", func(fl validator.FieldLevel) bool {
		return models.ItemStatus(fl.Field().String()).Valid()
	})
	_ = v.RegisterValidation("item_condition", func(fl validator.FieldLevel) bool {
		switch models.ItemCondition(fl.Field().String()) {
		case models.ConditionNew, models.ConditionLikeNew, models.ConditionGood,
			models.ConditionDamaged, models.ConditionDefective:
			return true
		}
		return false
	})
	_ = v.RegisterValidation("return_reason", func(fl validator.FieldLevel) bool {
		switch models.ReturnReason(fl.Field().String()) {
		case models.ReturnReasonDamaged, models.ReturnReasonDefective, models.ReturnReasonWrongItem,
			models.ReturnReasonNotAsDescribed, models.ReturnReasonChangedMind, models.ReturnReasonOther:
			return true
		}
		return false
	})
	return v
}

// checkStruct runs struct-tag validation and flattens failures into one
// validation error
func checkStruct(s interface{}) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return validationError("invalid request: %v", err)
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s must satisfy %s=%s", fe.Namespace(), fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
		}
	}
	return validationError("invalid request: %s", strings.Join(msgs, "; "))
}

func requirePositive(name string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return validationError("%s must be greater than zero", name)
	}
	return nil
}

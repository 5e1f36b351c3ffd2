package serviceflow

import (
	"context"
	"fmt"
	"strings"
)

// stepLookup 按步骤号回查同一工作流内的其他步骤，供跨步骤校验使用
type stepLookup func(ctx context.Context, stepNumber int) (*WorkflowStep, error)

// Validator 步骤字段校验器。所有违规一次性收集返回，绝不在首个错误处中断。
type Validator struct {
	registry *StepDefinitionRegistry
}

// NewValidator 创建校验器
func NewValidator(registry *StepDefinitionRegistry) *Validator {
	return &Validator{registry: registry}
}

// ValidateStep 按步骤定义校验合并后的载荷。
// merged 是"已有载荷 + 本次提交"合并后的视图，条件必填参照的就是这份视图。
func (v *Validator) ValidateStep(ctx context.Context, def *StepDefinition, merged StepPayload, lookup stepLookup) []ValidationError {
	errs := []ValidationError{}

	for _, field := range def.Fields {
		value := merged[field.Name]

		switch field.Requirement {
		case FieldRequired:
			if isEmpty(value) {
				errs = append(errs, ValidationError{
					Field:   field.Name,
					Message: fmt.Sprintf("%s 为必填项", field.Label),
				})
				continue
			}
		case FieldConditional:
			if v.conditionTriggered(field, merged) && isEmpty(value) {
				errs = append(errs, ValidationError{
					Field:   field.Name,
					Message: fmt.Sprintf("当 %s 满足条件时 %s 为必填项", field.DependsOn, field.Label),
				})
				continue
			}
		}

		if field.Validation != "" && !isEmpty(value) {
			if err := v.runCrossStepValidation(ctx, field, value, lookup); err != nil {
				errs = append(errs, *err)
			}
		}
	}

	return errs
}

// conditionTriggered 判断条件必填是否被触发：
// 指定了 DependsOnValue 时按值相等判断，否则按真值判断。
func (v *Validator) conditionTriggered(field FieldDefinition, merged StepPayload) bool {
	sibling, ok := merged[field.DependsOn]
	if !ok {
		return false
	}
	if field.DependsOnValue != nil {
		return valuesEqual(sibling, field.DependsOnValue)
	}
	return isTruthy(sibling)
}

// runCrossStepValidation 执行跨步骤校验规则
func (v *Validator) runCrossStepValidation(ctx context.Context, field FieldDefinition, value any, lookup stepLookup) *ValidationError {
	switch field.Validation {
	case ValidationDifferentFromStep6:
		if lookup == nil {
			return nil
		}
		step6, err := lookup(ctx, 6)
		if err != nil {
			// 步骤6缺失时无从比较，按未违规处理
			return nil
		}
		proposed := fmt.Sprintf("%v", value)
		if step6.AgentID != "" && step6.AgentID == proposed {
			return &ValidationError{
				Field:   field.Name,
				Message: fmt.Sprintf("%s 必须与步骤6的执行坐席不同 (different from Step 6)", field.Label),
			}
		}
	}
	return nil
}

// isEmpty 判断字段值是否缺失：nil 或空字符串视为缺失
func isEmpty(value any) bool {
	if value == nil {
		return true
	}
	if s, ok := value.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	return false
}

// isTruthy 宽松真值判断，载荷来自 JSON，取值可能是 bool/string/float64
func isTruthy(value any) bool {
	switch v := value.(type) {
	case nil:
		return false
	case bool:
		return v
	case string:
		s := strings.TrimSpace(strings.ToLower(v))
		return s != "" && s != "false" && s != "0" && s != "no"
	case float64:
		return v != 0
	case int:
		return v != 0
	default:
		return true
	}
}

// valuesEqual 宽松相等比较，抹平 JSON 反序列化带来的类型差异
// （如 true 与 "true"、1 与 1.0）
func valuesEqual(a, b any) bool {
	if a == b {
		return true
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

package serviceflow

import (
	"fmt"
)

// FieldType 步骤字段类型
type FieldType string

const (
	FieldTypeText     FieldType = "text"
	FieldTypeTextarea FieldType = "textarea"
	FieldTypeDate     FieldType = "date"
	FieldTypeBoolean  FieldType = "boolean"
	FieldTypeNumber   FieldType = "number"
)

// FieldRequirement 字段必填规则
type FieldRequirement string

const (
	FieldRequired    FieldRequirement = "required"    // 始终必填
	FieldOptional    FieldRequirement = "optional"    // 可选
	FieldConditional FieldRequirement = "conditional" // 依赖同一步骤内其他字段的取值
)

// 跨步骤校验标签
const (
	// ValidationDifferentFromStep6 审批人必须与步骤6的执行人不同
	ValidationDifferentFromStep6 = "different_from_step6"
)

// FieldDefinition 步骤字段定义
type FieldDefinition struct {
	Name        string           `json:"name"`
	Label       string           `json:"label"`
	Type        FieldType        `json:"type"`
	Requirement FieldRequirement `json:"requirement"`
	// 条件必填：依赖的同步骤字段名及期望值。
	// DependsOnValue 为 nil 时按真值判断。
	DependsOn      string `json:"depends_on,omitempty"`
	DependsOnValue any    `json:"depends_on_value,omitempty"`
	// 跨步骤校验标签（见 Validation* 常量）
	Validation string `json:"validation,omitempty"`
}

// StepDefinition 步骤静态定义（不随工作流持久化）
type StepDefinition struct {
	StepNumber  int    `json:"step_number"`
	Name        string `json:"name"`
	Description string `json:"description"`
	IsOptional  bool   `json:"is_optional"`
	// RequiresDifferentAgent 本步骤的审批人必须与步骤6的执行人不同
	RequiresDifferentAgent bool `json:"requires_different_agent,omitempty"`
	// 步骤级依赖：仅当 DependsOnStep 步骤的 DependsOnField 字段为真时本步骤才有意义
	DependsOnStep  int               `json:"depends_on_step,omitempty"`
	DependsOnField string            `json:"depends_on_field,omitempty"`
	Fields         []FieldDefinition `json:"fields"`
}

// TotalSteps 维修工作流的固定步骤数
const TotalSteps = 10

// StepDefinitionRegistry 步骤定义注册表，只读目录，无副作用
type StepDefinitionRegistry struct {
	steps []*StepDefinition
	byNum map[int]*StepDefinition
}

// NewStepDefinitionRegistry 创建包含全部10个步骤定义的注册表
func NewStepDefinitionRegistry() *StepDefinitionRegistry {
	steps := buildStepCatalog()
	byNum := make(map[int]*StepDefinition, len(steps))
	for _, s := range steps {
		byNum[s.StepNumber] = s
	}
	return &StepDefinitionRegistry{steps: steps, byNum: byNum}
}

// DefinitionOf 按步骤号查询定义，仅接受 1-10
func (r *StepDefinitionRegistry) DefinitionOf(stepNumber int) (*StepDefinition, error) {
	def, ok := r.byNum[stepNumber]
	if !ok {
		return nil, fmt.Errorf("未知的步骤号: %d（有效范围 1-%d）", stepNumber, TotalSteps)
	}
	return def, nil
}

// All 返回按步骤号排序的全部定义
func (r *StepDefinitionRegistry) All() []*StepDefinition {
	out := make([]*StepDefinition, len(r.steps))
	copy(out, r.steps)
	return out
}

// buildStepCatalog 维修工作流的10个步骤目录
func buildStepCatalog() []*StepDefinition {
	return []*StepDefinition{
		{
			StepNumber:  1,
			Name:        "申请设备维修",
			Description: "登记待维修设备并描述故障现象",
			Fields: []FieldDefinition{
				{Name: "deviceSerialNumber", Label: "设备序列号", Type: FieldTypeText, Requirement: FieldRequired},
				{Name: "problemDescription", Label: "故障描述", Type: FieldTypeTextarea, Requirement: FieldRequired},
				{Name: "urgency", Label: "紧急程度", Type: FieldTypeText, Requirement: FieldOptional},
			},
		},
		{
			StepNumber:  2,
			Name:        "寄送备用机",
			Description: "决定是否向客户寄送备用机并登记寄送信息",
			IsOptional:  true,
			Fields: []FieldDefinition{
				{Name: "sendLoaner", Label: "是否寄送备用机", Type: FieldTypeBoolean, Requirement: FieldRequired},
				{Name: "loanerModel", Label: "备用机型号", Type: FieldTypeText, Requirement: FieldConditional, DependsOn: "sendLoaner", DependsOnValue: true},
				{Name: "loanerSerialNumber", Label: "备用机序列号", Type: FieldTypeText, Requirement: FieldConditional, DependsOn: "sendLoaner", DependsOnValue: true},
				{Name: "shippingDate", Label: "寄出日期", Type: FieldTypeDate, Requirement: FieldConditional, DependsOn: "sendLoaner", DependsOnValue: true},
				{Name: "trackingNumber", Label: "物流单号", Type: FieldTypeText, Requirement: FieldOptional},
			},
		},
		{
			StepNumber:  3,
			Name:        "收货、检查与清洁",
			Description: "接收送修设备，完成外观检查与清洁",
			Fields: []FieldDefinition{
				{Name: "receivedDate", Label: "收货日期", Type: FieldTypeDate, Requirement: FieldRequired},
				{Name: "visualInspection", Label: "外观检查结果", Type: FieldTypeTextarea, Requirement: FieldRequired},
				{Name: "cleaningPerformed", Label: "已完成清洁", Type: FieldTypeBoolean, Requirement: FieldOptional},
				{Name: "accessoriesIncluded", Label: "随附配件", Type: FieldTypeText, Requirement: FieldOptional},
			},
		},
		{
			StepNumber:  4,
			Name:        "故障分析",
			Description: "定位故障原因并评估维修工作量",
			Fields: []FieldDefinition{
				{Name: "defectFound", Label: "是否确认故障", Type: FieldTypeBoolean, Requirement: FieldRequired},
				{Name: "defectDescription", Label: "故障结论", Type: FieldTypeTextarea, Requirement: FieldConditional, DependsOn: "defectFound", DependsOnValue: true},
				{Name: "analysisDate", Label: "分析日期", Type: FieldTypeDate, Requirement: FieldOptional},
				{Name: "estimatedRepairHours", Label: "预计维修工时", Type: FieldTypeNumber, Requirement: FieldOptional},
			},
		},
		{
			StepNumber:  5,
			Name:        "报价与客户确认",
			Description: "向客户报价并记录确认结果",
			Fields: []FieldDefinition{
				{Name: "quoteAmount", Label: "报价金额", Type: FieldTypeNumber, Requirement: FieldRequired},
				{Name: "quoteDate", Label: "报价日期", Type: FieldTypeDate, Requirement: FieldOptional},
				{Name: "customerApproved", Label: "客户是否确认", Type: FieldTypeBoolean, Requirement: FieldRequired},
				{Name: "approvalDate", Label: "确认日期", Type: FieldTypeDate, Requirement: FieldConditional, DependsOn: "customerApproved", DependsOnValue: true},
			},
		},
		{
			StepNumber:  6,
			Name:        "维修与技术报告",
			Description: "执行维修并撰写技术报告",
			Fields: []FieldDefinition{
				{Name: "repairPerformed", Label: "维修内容", Type: FieldTypeTextarea, Requirement: FieldRequired},
				{Name: "technicalReport", Label: "技术报告", Type: FieldTypeTextarea, Requirement: FieldRequired},
				{Name: "partsReplaced", Label: "更换部件", Type: FieldTypeText, Requirement: FieldOptional},
				{Name: "repairDate", Label: "维修完成日期", Type: FieldTypeDate, Requirement: FieldOptional},
			},
		},
		{
			StepNumber:             7,
			Name:                   "维修审批",
			Description:            "由另一位坐席复核维修结果",
			RequiresDifferentAgent: true,
			Fields: []FieldDefinition{
				{Name: "approverAgentId", Label: "审批坐席", Type: FieldTypeText, Requirement: FieldRequired, Validation: ValidationDifferentFromStep6},
				{Name: "qualityCheckPassed", Label: "质检是否通过", Type: FieldTypeBoolean, Requirement: FieldRequired},
				{Name: "approvalNotes", Label: "审批意见", Type: FieldTypeTextarea, Requirement: FieldOptional},
			},
		},
		{
			StepNumber:  8,
			Name:        "设备寄回",
			Description: "将维修完成的设备寄回客户",
			Fields: []FieldDefinition{
				{Name: "returnShippingDate", Label: "寄回日期", Type: FieldTypeDate, Requirement: FieldRequired},
				{Name: "returnTrackingNumber", Label: "寄回物流单号", Type: FieldTypeText, Requirement: FieldOptional},
				{Name: "returnCarrier", Label: "承运商", Type: FieldTypeText, Requirement: FieldOptional},
			},
		},
		{
			StepNumber:  9,
			Name:        "售后确认",
			Description: "客户确认设备恢复正常",
			Fields: []FieldDefinition{
				{Name: "customerConfirmed", Label: "客户是否确认", Type: FieldTypeBoolean, Requirement: FieldRequired},
				{Name: "confirmationDate", Label: "确认日期", Type: FieldTypeDate, Requirement: FieldOptional},
				{Name: "customerFeedback", Label: "客户反馈", Type: FieldTypeTextarea, Requirement: FieldOptional},
			},
		},
		{
			StepNumber:     10,
			Name:           "备用机回收",
			Description:    "回收寄出的备用机",
			IsOptional:     true,
			DependsOnStep:  2,
			DependsOnField: "sendLoaner",
			Fields: []FieldDefinition{
				{Name: "loanerReceivedDate", Label: "备用机收回日期", Type: FieldTypeDate, Requirement: FieldRequired},
				{Name: "loanerCondition", Label: "备用机状态", Type: FieldTypeText, Requirement: FieldOptional},
				{Name: "loanerNotes", Label: "备注", Type: FieldTypeTextarea, Requirement: FieldOptional},
			},
		},
	}
}

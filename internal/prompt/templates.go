// Copyright © 2017 Microsoft <wastore@microsoft.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

package prompt

import "github.com/binsage/binsage/common"

// Template ids are stable across versions; a new version is a new row.
const (
	TemplateFunctionTranslation = "function-translation"
	TemplateImportExplanation   = "import-explanation"
	TemplateOverallSummary      = "overall-summary"
)

// DetailGuidance maps the requested detail level to the instruction fragment
// substituted into {{.DetailGuidance}}.
func DetailGuidance(level common.DetailLevel) string {
	switch level {
	case common.EDetailLevel.Brief():
		return "Answer in one or two sentences aimed at a non-specialist."
	case common.EDetailLevel.Technical():
		return "Answer in depth for a reverse engineer: note calling convention, stack usage, notable constants and any recognisable library idioms."
	default:
		return "Answer in a short paragraph for a developer who does not read assembly."
	}
}

// seedTemplates are the version-1 rows installed on first start. Publishing
// an edit creates version 2; these rows are never mutated.
var seedTemplates = []common.PromptTemplate{
	{
		TemplateID:    TemplateFunctionTranslation,
		Version:       1,
		OperationType: common.EOperationType.FunctionTranslation(),
		SystemPrompt: "You are an expert reverse engineer. You explain what disassembled " +
			"functions do in plain language. Never speculate beyond what the assembly shows; " +
			"say so when behaviour cannot be determined.",
		UserPromptTemplate: "Explain what this function does.\n\n" +
			"Function {{.Name}} at {{.Address}} ({{.Size}} bytes).\n" +
			"Calls: {{.CallsTo}}\nCalled by: {{.CalledBy}}\n" +
			"Referenced strings: {{.Strings}}\n\n" +
			"Assembly:\n{{.Assembly}}\n\n{{.DetailGuidance}}",
		DefaultTemperature: 0.2,
		DefaultMaxTokens:   1024,
	},
	{
		TemplateID:    TemplateImportExplanation,
		Version:       1,
		OperationType: common.EOperationType.ImportExplanation(),
		SystemPrompt: "You are an expert in operating system APIs. You explain why a program " +
			"imports particular symbols and what capabilities that grants it.",
		UserPromptTemplate: "This binary imports the following symbols from {{.Library}}:\n" +
			"{{.Symbols}}\n\n" +
			"Explain, as a group, what these imports let the program do.\n\n{{.DetailGuidance}}",
		DefaultTemperature: 0.2,
		DefaultMaxTokens:   768,
	},
	{
		TemplateID:    TemplateOverallSummary,
		Version:       1,
		OperationType: common.EOperationType.OverallSummary(),
		SystemPrompt: "You are an expert malware analyst and reverse engineer. You summarise " +
			"whole binaries from their structure: entry point, call graph, imports and strings.",
		UserPromptTemplate: "Summarise the likely purpose of this binary.\n\n" +
			"Format: {{.Format}}, architecture {{.Architecture}}, platform {{.Platform}}.\n" +
			"{{.FunctionCount}} functions, entry point {{.EntryPoint}}.\n" +
			"Imported libraries: {{.Libraries}}\n" +
			"Notable strings: {{.Strings}}\n" +
			"Per-function findings:\n{{.FunctionDigest}}\n\n{{.DetailGuidance}}",
		DefaultTemperature: 0.3,
		DefaultMaxTokens:   2048,
	},
}

// templateForOperation maps each operation to its seed template id.
func templateForOperation(op common.OperationType) string {
	switch op {
	case common.EOperationType.ImportExplanation():
		return TemplateImportExplanation
	case common.EOperationType.OverallSummary():
		return TemplateOverallSummary
	default:
		return TemplateFunctionTranslation
	}
}

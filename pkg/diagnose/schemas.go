package diagnose

import "github.com/anchapin/cifixd/pkg/llm"

var classificationSchema = llm.MustCompileSchema("classification.json", `{
  "type": "object",
  "required": ["category", "confidence"],
  "properties": {
    "category": {
      "type": "string",
      "enum": ["SYNTAX", "DEPENDENCY", "RUNTIME", "BUILD", "TEST_FAILURE", "TIMEOUT", "CONFIGURATION", "UNKNOWN"]
    },
    "affected_files": {"type": "array", "items": {"type": "string"}},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "suggested_action": {"type": "string"}
  }
}`)

var diagnosisSchema = llm.MustCompileSchema("diagnosis.json", `{
  "type": "object",
  "required": ["summary", "fix_action"],
  "properties": {
    "summary": {"type": "string", "minLength": 1},
    "file_path": {"type": "string"},
    "fix_action": {"type": "string", "enum": ["edit", "command"]},
    "suggested_command": {"type": "string"},
    "reproduction_command": {"type": "string"},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1}
  }
}`)

var planSchema = llm.MustCompileSchema("plan.json", `{
  "type": "object",
  "required": ["goal", "tasks"],
  "properties": {
    "goal": {"type": "string", "minLength": 1},
    "tasks": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id", "description"],
        "properties": {
          "id": {"type": "string"},
          "description": {"type": "string"},
          "target_file": {"type": "string"},
          "dependencies": {"type": "array", "items": {"type": "string"}}
        }
      }
    },
    "approved": {"type": "boolean"},
    "rejection_reason": {"type": "string"}
  }
}`)

var judgeSchema = llm.MustCompileSchema("judge.json", `{
  "type": "object",
  "required": ["approved"],
  "properties": {
    "approved": {"type": "boolean"},
    "reasoning": {"type": "string"}
  }
}`)

var refineSchema = llm.MustCompileSchema("refine.json", `{
  "type": "object",
  "required": ["refined_problem"],
  "properties": {
    "refined_problem": {"type": "string", "minLength": 1}
  }
}`)

var dagSchema = llm.MustCompileSchema("error-dag.json", `{
  "type": "object",
  "required": ["root_problem", "nodes"],
  "properties": {
    "root_problem": {"type": "string"},
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id", "problem", "priority", "complexity"],
        "properties": {
          "id": {"type": "string"},
          "problem": {"type": "string"},
          "priority": {"type": "integer"},
          "complexity": {"type": "integer", "minimum": 1, "maximum": 10},
          "dependencies": {"type": "array", "items": {"type": "string"}}
        }
      }
    }
  }
}`)

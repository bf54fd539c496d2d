// Copyright 2025 IBM Corporation
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package sqlguard

// dangerousStatements maps a leading keyword to the violation category used
// in the message. Applied on the regex fallback path when the statement does
// not parse.
var dangerousStatements = map[string]string{
	"INSERT":    "Write",
	"UPDATE":    "Write",
	"DELETE":    "Write",
	"MERGE":     "Write",
	"REPLACE":   "Write",
	"TRUNCATE":  "Write",
	"DROP":      "Schema",
	"CREATE":    "Schema",
	"ALTER":     "Schema",
	"RENAME":    "Schema",
	"GRANT":     "Permission",
	"REVOKE":    "Permission",
	"DENY":      "Permission",
	"SET":       "System",
	"DECLARE":   "System",
	"SHUTDOWN":  "System",
	"RESTART":   "System",
	"KILL":      "System",
	"STOP":      "System",
	"START":     "System",
	"USE":       "System",
	"CALL":      "Procedure",
	"EXECUTE":   "Procedure",
	"EXEC":      "Procedure",
	"BEGIN":     "Transaction",
	"COMMIT":    "Transaction",
	"ROLLBACK":  "Transaction",
	"SAVEPOINT": "Transaction",
	"LOAD":      "Bulk",
	"IMPORT":    "Bulk",
	"EXPORT":    "Bulk",
	"BULK":      "Bulk",
	"BACKUP":    "Backup",
	"RESTORE":   "Backup",
	"DUMP":      "Backup",
	"LOCK":      "Lock",
	"UNLOCK":    "Lock",
}

// dangerousFunctions are command-execution and code-loading primitives that
// never belong in a read-only tool, whatever the statement shape.
var dangerousFunctions = map[string]struct{}{
	"SYSTEM":            {},
	"EXEC":              {},
	"EVAL":              {},
	"LOAD_EXTENSION":    {},
	"EXECUTE_IMMEDIATE": {},
	"QCMDEXC":           {},
}

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

package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/binsage/binsage/common"
)

// Raw engine reply shapes. The canonical start address is the engine's
// "offset" field; nothing else in the reply is a reliable address for a
// function. Validation below rejects results where addresses collapse to 0.

type rawFunction struct {
	Name     string `json:"name"`
	Offset   uint64 `json:"offset"`
	Size     int64  `json:"size"`
	CallRefs []struct {
		Addr uint64 `json:"addr"`
		Type string `json:"type"`
	} `json:"callrefs"`
}

type rawImport struct {
	Library string `json:"libname"`
	Name    string `json:"name"`
	PLT     uint64 `json:"plt"`
	Ordinal *int   `json:"ordinal"`
}

type rawString struct {
	VAddr   uint64 `json:"vaddr"`
	Value   string `json:"string"`
	Type    string `json:"type"`
	Section string `json:"section"`
}

type rawEntry struct {
	VAddr uint64 `json:"vaddr"`
}

type rawBinInfo struct {
	Bin struct {
		Format string `json:"bintype"`
		Arch   string `json:"arch"`
		Bits   int    `json:"bits"`
		OS     string `json:"os"`
	} `json:"bin"`
}

type rawXref struct {
	FcnAddr uint64 `json:"fcn_addr"`
}

func hexAddr(a uint64) string { return fmt.Sprintf("0x%x", a) }

// parseAddr reverses hexAddr. Address ordering must compare the numbers; the
// hex strings collate wrong ("0x1000" sorts before "0x200").
func parseAddr(s string) uint64 {
	v, _ := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 64)
	return v
}

func sortAddrs(addrs []string) {
	sort.Slice(addrs, func(i, j int) bool { return parseAddr(addrs[i]) < parseAddr(addrs[j]) })
}

// Extractor runs the full enumeration over one session and assembles the
// immutable DecompilationResult.
type Extractor struct {
	session *Session
	log     common.ILogger
}

func NewExtractor(session *Session, log common.ILogger) *Extractor {
	return &Extractor{session: session, log: log}
}

// Extract pulls metadata, functions (with assembly and call graph), imports
// and strings (with usage context). The call graph is closed over the
// extracted function set: edges to unknown addresses are dropped.
func (e *Extractor) Extract(ctx context.Context, jobID common.JobID, artifact common.BinaryArtifact) (*common.DecompilationResult, error) {
	meta, err := e.metadata(ctx, artifact)
	if err != nil {
		return nil, err
	}

	functions, err := e.functions(ctx, meta.EntryPoint)
	if err != nil {
		return nil, err
	}
	if err := validateAddresses(functions); err != nil {
		return nil, err
	}

	imports, err := e.imports(ctx)
	if err != nil {
		return nil, err
	}

	strs, err := e.strings(ctx, functions)
	if err != nil {
		return nil, err
	}

	return &common.DecompilationResult{
		JobID:     jobID,
		Metadata:  meta,
		Functions: functions,
		Imports:   imports,
		Strings:   strs,
		CreatedAt: time.Now().UTC(),
	}, nil
}

func (e *Extractor) metadata(ctx context.Context, artifact common.BinaryArtifact) (common.BinaryMetadata, error) {
	raw, err := e.session.Invoke(ctx, "iIj")
	if err != nil {
		return common.BinaryMetadata{}, err
	}
	var info rawBinInfo
	if err := json.Unmarshal(raw, &info.Bin); err != nil {
		return common.BinaryMetadata{}, common.WrapCoded(err, common.ECodeEngineCrashed, "decoding binary info")
	}

	var format common.BinaryFormat
	switch strings.ToLower(info.Bin.Format) {
	case "pe", "pe32", "pe32+":
		format = common.EBinaryFormat.PE()
	case "elf", "elf64":
		format = common.EBinaryFormat.ELF()
	case "mach0", "mach064", "macho":
		format = common.EBinaryFormat.MachO()
	default:
		format = common.EBinaryFormat.Unknown()
	}

	entry := ""
	if rawEntries, err := e.session.Invoke(ctx, "iej"); err == nil {
		var entries []rawEntry
		if json.Unmarshal(rawEntries, &entries) == nil && len(entries) > 0 {
			entry = hexAddr(entries[0].VAddr)
		}
	}

	return common.BinaryMetadata{
		SHA256:       artifact.SHA256,
		Size:         artifact.Size,
		Format:       format,
		Architecture: fmt.Sprintf("%s-%d", info.Bin.Arch, info.Bin.Bits),
		Platform:     info.Bin.OS,
		EntryPoint:   entry,
	}, nil
}

func (e *Extractor) functions(ctx context.Context, entryPoint string) ([]common.FunctionRecord, error) {
	raw, err := e.session.Invoke(ctx, "aflj")
	if err != nil {
		return nil, err
	}
	var rawFuncs []rawFunction
	if err := json.Unmarshal(raw, &rawFuncs); err != nil {
		return nil, common.WrapCoded(err, common.ECodeEngineCrashed, "decoding function list")
	}

	known := lo.SliceToMap(rawFuncs, func(f rawFunction) (uint64, bool) { return f.Offset, true })

	// Deterministic output order: address ascending, numerically. Decompiling
	// the same binary twice yields identical address sets and edges.
	sort.Slice(rawFuncs, func(i, j int) bool { return rawFuncs[i].Offset < rawFuncs[j].Offset })

	records := make([]common.FunctionRecord, 0, len(rawFuncs))
	calledBy := map[uint64][]string{}
	for _, f := range rawFuncs {
		addr := hexAddr(f.Offset)

		asm, err := e.session.Invoke(ctx, fmt.Sprintf("pdf @ %s", addr))
		if err != nil {
			if common.CodeOf(err) == common.ECodeEngineTimeout {
				return nil, err
			}
			// Individual disassembly failures (overlapping or garbage
			// functions) don't sink the whole extraction.
			e.log.Warn("disassembly failed for " + addr)
			asm = nil
		}

		var callsTo []string
		for _, ref := range f.CallRefs {
			if ref.Type != "CALL" && ref.Type != "call" {
				continue
			}
			if !known[ref.Addr] {
				continue // edge out of the extracted set; keep the graph closed
			}
			callsTo = append(callsTo, hexAddr(ref.Addr))
			calledBy[ref.Addr] = append(calledBy[ref.Addr], addr)
		}
		callsTo = lo.Uniq(callsTo)
		sortAddrs(callsTo)

		records = append(records, common.FunctionRecord{
			Name:          f.Name,
			Address:       addr,
			Size:          f.Size,
			AssemblyBlock: string(asm),
			CallsTo:       callsTo,
			IsEntry:       addr == entryPoint,
			IsImported:    strings.HasPrefix(f.Name, "sym.imp."),
		})
	}

	for i := range records {
		in := lo.Uniq(calledBy[parseAddr(records[i].Address)])
		sortAddrs(in)
		records[i].CalledBy = in
	}
	return records, nil
}

func (e *Extractor) imports(ctx context.Context) ([]common.ImportRecord, error) {
	raw, err := e.session.Invoke(ctx, "iij")
	if err != nil {
		return nil, err
	}
	var rawImports []rawImport
	if err := json.Unmarshal(raw, &rawImports); err != nil {
		return nil, common.WrapCoded(err, common.ECodeEngineCrashed, "decoding import table")
	}
	return lo.Map(rawImports, func(imp rawImport, _ int) common.ImportRecord {
		return common.ImportRecord{
			Library: imp.Library,
			Symbol:  imp.Name,
			Address: hexAddr(imp.PLT),
			Ordinal: imp.Ordinal,
		}
	}), nil
}

func (e *Extractor) strings(ctx context.Context, functions []common.FunctionRecord) ([]common.StringRecord, error) {
	raw, err := e.session.Invoke(ctx, "izj")
	if err != nil {
		return nil, err
	}
	var rawStrings []rawString
	if err := json.Unmarshal(raw, &rawStrings); err != nil {
		return nil, common.WrapCoded(err, common.ECodeEngineCrashed, "decoding string table")
	}

	funcAddrs := lo.SliceToMap(functions, func(f common.FunctionRecord) (string, bool) { return f.Address, true })

	out := make([]common.StringRecord, 0, len(rawStrings))
	for _, s := range rawStrings {
		record := common.StringRecord{
			Value:    s.Value,
			Address:  hexAddr(s.VAddr),
			Encoding: s.Type,
			Section:  s.Section,
		}
		// Usage context: functions whose code references this string.
		if rawRefs, err := e.session.Invoke(ctx, fmt.Sprintf("axtj @ %s", record.Address)); err == nil {
			var refs []rawXref
			if json.Unmarshal(rawRefs, &refs) == nil {
				for _, r := range refs {
					addr := hexAddr(r.FcnAddr)
					if funcAddrs[addr] {
						record.UsedByFunc = append(record.UsedByFunc, addr)
					}
				}
				record.UsedByFunc = lo.Uniq(record.UsedByFunc)
				sortAddrs(record.UsedByFunc)
			}
		}
		out = append(out, record)
	}
	return out, nil
}

// validateAddresses rejects extractions where function start addresses
// collapsed to zero. One zero address can be a legitimate entry; more than
// 1% means the extraction read the wrong field and the assembly that follows
// would be garbage.
func validateAddresses(functions []common.FunctionRecord) error {
	if len(functions) == 0 {
		return nil
	}
	zeros := lo.CountBy(functions, func(f common.FunctionRecord) bool { return f.Address == "0x0" })
	if zeros <= 1 {
		return nil
	}
	if float64(zeros)/float64(len(functions)) > 0.01 {
		return common.NewCodedError(common.ECodeEngineExtractionInvalid,
			"%d of %d functions report address 0x0; extraction is invalid", zeros, len(functions))
	}
	return nil
}

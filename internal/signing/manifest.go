package signing

import "bytes"

// manifestLineMax 单行最大字节数（不含 CRLF），超出部分以空格开头续行
const manifestLineMax = 70

type attribute struct {
	name  string
	value string
}

// writeSection 按 JAR 清单格式写出一个段落，段落以空行结束
func writeSection(buf *bytes.Buffer, attrs []attribute) {
	for _, a := range attrs {
		writeLine(buf, a.name+": "+a.value)
	}
	buf.WriteString("\r\n")
}

func writeLine(buf *bytes.Buffer, line string) {
	first := true
	for len(line) > 0 {
		limit := manifestLineMax
		if !first {
			buf.WriteByte(' ')
			limit--
		}
		n := len(line)
		if n > limit {
			n = limit
		}
		buf.WriteString(line[:n])
		buf.WriteString("\r\n")
		line = line[n:]
		first = false
	}
}

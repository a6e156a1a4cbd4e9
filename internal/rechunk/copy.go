package rechunk

// copyBlock copies a rectangular block of elements between two row-major
// buffers. srcDims/dstDims are the buffer dimensions, srcOff/dstOff the
// block origin within each buffer, count the block extent.
func copyBlock(dst []byte, dstDims, dstOff []uint64, src []byte, srcDims, srcOff, count []uint64, elem uint64) {
	ndims := len(count)
	if ndims == 0 {
		copy(dst[:elem], src[:elem])
		return
	}

	srcStrides := rowMajorStrides(srcDims, elem)
	dstStrides := rowMajorStrides(dstDims, elem)
	copyBlockRecursive(dst, src, dstOff, srcOff, count, dstStrides, srcStrides, 0, 0, 0)
}

func rowMajorStrides(dims []uint64, elem uint64) []uint64 {
	strides := make([]uint64, len(dims))
	strides[len(dims)-1] = elem
	for d := len(dims) - 2; d >= 0; d-- {
		strides[d] = strides[d+1] * dims[d+1]
	}
	return strides
}

func copyBlockRecursive(dst, src []byte, dstOff, srcOff, count, dstStrides, srcStrides []uint64, dim int, dstBase, srcBase uint64) {
	if dim == len(count)-1 {
		// Innermost dimension is contiguous in both buffers.
		n := count[dim] * srcStrides[dim]
		s := srcBase + srcOff[dim]*srcStrides[dim]
		d := dstBase + dstOff[dim]*dstStrides[dim]
		copy(dst[d:d+n], src[s:s+n])
		return
	}
	for i := uint64(0); i < count[dim]; i++ {
		copyBlockRecursive(dst, src, dstOff, srcOff, count, dstStrides, srcStrides,
			dim+1,
			dstBase+(dstOff[dim]+i)*dstStrides[dim],
			srcBase+(srcOff[dim]+i)*srcStrides[dim])
	}
}
